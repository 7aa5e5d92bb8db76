package runpod

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/pkg/executor"
)

// chunkMerger reassembles newline terminated JSON lines that the worker
// sends split across stream chunks.
type chunkMerger struct {
	pending strings.Builder
}

// Add appends a chunk and returns every line it completed.
func (m *chunkMerger) Add(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			m.pending.WriteString(chunk)
			return lines
		}
		m.pending.WriteString(chunk[:i])
		lines = append(lines, m.pending.String())
		m.pending.Reset()
		chunk = chunk[i+1:]
	}
}

// Rest returns data still waiting for its newline.
func (m *chunkMerger) Rest() string {
	return m.pending.String()
}

// chunkText unwraps a chunk sent as a JSON string. Anything else is taken
// as one complete line.
func chunkText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw) + "\n"
}

type streamLine struct {
	Error  string `json:"error"`
	Images []struct {
		Name      string `json:"name"`
		Image     string `json:"image"`
		Subfolder string `json:"subfolder"`
	} `json:"images"`
}

// parseLine decodes one output line into its artifacts and error message.
// Empty lines and "{}" carry nothing.
func parseLine(line string) ([]executor.Artifact, string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, "", nil
	}

	var out streamLine
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		return nil, "", apperrors.NewRemoteSubmissionError("runpod", fmt.Errorf("decode stream line: %w", err))
	}

	arts := make([]executor.Artifact, 0, len(out.Images))
	for _, img := range out.Images {
		data, err := executor.DecodeBase64(img.Name, img.Image)
		if err != nil {
			return nil, "", err
		}
		arts = append(arts, executor.Artifact{Name: img.Name, Subfolder: img.Subfolder, Data: data})
	}
	return arts, out.Error, nil
}
