// pkg/registry/schema.go
package registry

// TemplateRegistry is the on-disk catalogue of workflow templates.
type TemplateRegistry struct {
	Version     string          `json:"version" yaml:"version"`
	LastUpdated string          `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty"`
	Templates   []TemplateEntry `json:"templates" yaml:"templates"`
}

type TemplateEntry struct {
	ID          string `json:"id" yaml:"id"`
	Path        string `json:"path" yaml:"path"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Backend is the endpoint the template is written for; empty means any.
	Backend  string                 `json:"backend,omitempty" yaml:"backend,omitempty"`
	Defaults map[string]interface{} `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// Required overrides the variables the template must reference. Nil
	// keeps the default set.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}
