// Package dummy is a local endpoint that answers every job with a fixed set
// of images. It is meant for tests and dry runs.
package dummy

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"comfy-executors/pkg/executor"
)

const blankSize = 512

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}

type Endpoint struct {
	images []executor.Artifact

	mu   sync.Mutex
	jobs []*executor.Job
}

// New loads every image in folder, sorted by filename. An empty folder name
// yields a single blank 512x512 image.
func New(folder string) (*Endpoint, error) {
	if folder == "" {
		data, err := executor.EncodePNG(image.NewRGBA(image.Rect(0, 0, blankSize, blankSize)))
		if err != nil {
			return nil, err
		}
		return &Endpoint{images: []executor.Artifact{{Name: "blank.png", Data: data}}}, nil
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read dummy image folder: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	ep := &Endpoint{}
	for _, entry := range entries {
		if entry.IsDir() || !imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(folder, entry.Name()))
		if err != nil {
			return nil, err
		}
		a := executor.Artifact{Name: entry.Name(), Data: data}
		if _, err := executor.DecodeArtifact(a); err != nil {
			return nil, err
		}
		ep.images = append(ep.images, a)
	}
	return ep, nil
}

func (e *Endpoint) Name() string { return "dummy" }

func (e *Endpoint) InputDir(groupID string) string {
	return "input/" + groupID
}

func (e *Endpoint) Submit(ctx context.Context, job *executor.Job) (executor.JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return executor.JobHandle{}, err
	}
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	return executor.JobHandle{ID: uuid.NewString(), GroupID: job.GroupID}, nil
}

// Wait returns every loaded image for each job.
func (e *Endpoint) Wait(ctx context.Context, handle executor.JobHandle) (*executor.JobResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	arts := make([]executor.Artifact, len(e.images))
	copy(arts, e.images)
	return &executor.JobResult{Artifacts: arts}, nil
}

// Images returns how many images each job answers with.
func (e *Endpoint) Images() int { return len(e.images) }

// Jobs returns the jobs submitted so far.
func (e *Endpoint) Jobs() []*executor.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*executor.Job(nil), e.jobs...)
}
