package executor

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "comfy-executors/internal/common/errors"
)

func TestEncodeInputImages_FlattensAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{A: 0})

	encoded, err := EncodeInputImages([]image.Image{img})
	require.NoError(t, err)
	require.Len(t, encoded, 1)

	decoded, format, err := image.Decode(bytes.NewReader(encoded[0].Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestEncodeInputImages_Empty(t *testing.T) {
	encoded, err := EncodeInputImages(nil)
	require.NoError(t, err)
	assert.Empty(t, encoded)
}

func TestDecodeArtifact(t *testing.T) {
	data := pngBytes(t, color.Black)

	out, err := DecodeArtifact(Artifact{Name: "ComfyUI_00001_.png", Subfolder: "g1", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "ComfyUI_00001_.png", out.Name)
	assert.Equal(t, "g1", out.Subfolder)
	assert.Equal(t, image.Rect(0, 0, 2, 2), out.Image.Bounds())

	_, err = DecodeArtifact(Artifact{Name: "broken.png", Data: []byte{0x89, 'P', 'N', 'G'}})
	assert.Equal(t, apperrors.ErrCodeDecodeError, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "broken.png")
}

func TestDecodeBase64(t *testing.T) {
	raw := []byte("payload")
	enc := base64.StdEncoding.EncodeToString(raw)

	data, err := DecodeBase64("a.png", enc)
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	data, err = DecodeBase64("a.png", "data:image/png;base64,"+enc)
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	_, err = DecodeBase64("a.png", "%%%")
	assert.Equal(t, apperrors.ErrCodeDecodeError, apperrors.CodeOf(err))
}

func TestEncodePNG(t *testing.T) {
	data, err := EncodePNG(image.NewGray(image.Rect(0, 0, 3, 3)))
	require.NoError(t, err)

	_, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}
