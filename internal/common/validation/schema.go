package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// GraphSchema describes a ComfyUI node graph in API format: an object of
// node id -> {class_type, inputs}.
const GraphSchema = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["class_type", "inputs"],
    "properties": {
      "class_type": {"type": "string", "minLength": 1},
      "inputs": {"type": "object"},
      "_meta": {"type": "object"}
    }
  }
}`

// RunWorkflowInputSchema describes the variables of a comfy-run-workflow job.
const RunWorkflowInputSchema = `{
  "type": "object",
  "required": ["jobId", "workflow"],
  "properties": {
    "jobId": {"type": "string", "minLength": 1},
    "workflow": {"type": "object"},
    "inputImages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "image"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "image": {"type": "string"},
          "subfolder": {"type": "string"}
        }
      }
    }
  }
}`

var (
	graphSchema       = mustSchema(GraphSchema)
	runWorkflowSchema = mustSchema(RunWorkflowInputSchema)
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("validation: bad builtin schema: %v", err))
	}
	return s
}

// ValidateGraph checks a decoded node graph against GraphSchema.
func ValidateGraph(graph interface{}) (*ValidationResult, error) {
	return validate(graphSchema, gojsonschema.NewGoLoader(graph))
}

// ValidateRunWorkflowInput checks worker job variables.
func ValidateRunWorkflowInput(vars map[string]interface{}) (*ValidationResult, error) {
	return validate(runWorkflowSchema, gojsonschema.NewGoLoader(vars))
}

// ValidateDocument validates doc against an arbitrary schema document.
func ValidateDocument(schema, doc interface{}) (*ValidationResult, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return validate(s, gojsonschema.NewGoLoader(doc))
}

func validate(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) (*ValidationResult, error) {
	result, err := schema.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	sort.SliceStable(out.Errors, func(i, j int) bool {
		return out.Errors[i].Field < out.Errors[j].Field
	})
	return out, nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}
