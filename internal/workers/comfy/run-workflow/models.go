// internal/workers/comfy/run-workflow/models.go
package runworkflow

type Input struct {
	JobID          string                 `json:"jobId"`
	GroupID        string                 `json:"groupId"`
	BatchIndex     int                    `json:"batchIndex"`
	BatchCount     int                    `json:"batchCount"`
	Workflow       map[string]interface{} `json:"workflow"`
	InputImagesDir string                 `json:"inputImagesDir"`
	InputImages    []ImageVar             `json:"inputImages"`
}

// ImageVar is a base64 image as carried in process variables.
type ImageVar struct {
	Name      string `json:"name"`
	Image     string `json:"image"`
	Subfolder string `json:"subfolder,omitempty"`
}

type Output struct {
	Images []ImageVar `json:"images"`
	Error  string     `json:"error,omitempty"`
}
