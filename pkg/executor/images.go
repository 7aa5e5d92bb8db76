package executor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/webp"

	apperrors "comfy-executors/internal/common/errors"
)

const jpegQuality = 95

// EncodeInputImages encodes images as JPEG named 00.jpg, 01.jpg, ...
func EncodeInputImages(images []image.Image) ([]InputImage, error) {
	out := make([]InputImage, 0, len(images))
	for i, img := range images {
		if img == nil {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("input image %d is nil", i))
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("encode input image %d: %v", i, err))
		}
		out = append(out, InputImage{Name: fmt.Sprintf("%02d.jpg", i), Data: buf.Bytes()})
	}
	return out, nil
}

// flatten drops alpha onto white; JPEG has no transparency.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); !ok || o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// DecodeArtifact decodes a PNG, JPEG, GIF or WebP artifact.
func DecodeArtifact(a Artifact) (OutputImage, error) {
	img, _, err := image.Decode(bytes.NewReader(a.Data))
	if err != nil {
		return OutputImage{}, apperrors.NewDecodeError(a.Name, err)
	}
	return OutputImage{Image: img, Name: a.Name, Subfolder: a.Subfolder}, nil
}

// DecodeBase64 decodes a base64 payload, accepting an optional data URI prefix.
func DecodeBase64(name, payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperrors.NewDecodeError(name, err)
	}
	return data, nil
}

// EncodePNG encodes an output image for writing to disk.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
