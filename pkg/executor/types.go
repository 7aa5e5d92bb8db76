// Package executor plans workflow batches, submits them to a remote
// endpoint and collects the decoded output images.
package executor

import (
	"context"
	"encoding/base64"
	"image"

	"comfy-executors/pkg/workflow"
)

// Endpoint is a remote service that runs one rendered workflow per job.
type Endpoint interface {
	Name() string
	// InputDir is the directory, as seen by the workflow, where the input
	// images of groupID are placed.
	InputDir(groupID string) string
	Submit(ctx context.Context, job *Job) (JobHandle, error)
	Wait(ctx context.Context, handle JobHandle) (*JobResult, error)
}

// Job is one remote submission.
type Job struct {
	GroupID     string
	BatchIndex  int
	BatchCount  int
	Document    *workflow.Document
	InputImages []InputImage
}

// InputImage is an encoded input image as uploaded to the endpoint.
type InputImage struct {
	Name      string
	Subfolder string
	Data      []byte
}

func (i InputImage) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID      string
	GroupID string
}

// JobResult is what a finished job returned. Error carries a message the
// remote side reported alongside (or instead of) artifacts.
type JobResult struct {
	Artifacts []Artifact
	Error     string
}

// Artifact is an encoded output image.
type Artifact struct {
	Name      string
	Subfolder string
	Data      []byte
}

// OutputImage is a decoded output image.
type OutputImage struct {
	Image     image.Image
	Name      string
	Subfolder string
}
