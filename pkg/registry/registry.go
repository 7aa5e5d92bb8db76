// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "comfy-executors/internal/common/errors"
	"comfy-executors/pkg/workflow"
)

// Registry is a loaded template catalogue. Relative template paths resolve
// against the directory of the registry file.
type Registry struct {
	TemplateRegistry
	dir string
}

// New returns an empty registry rooted at dir.
func New(dir string) *Registry {
	return &Registry{
		TemplateRegistry: TemplateRegistry{Version: "1.0.0", Templates: []TemplateEntry{}},
		dir:              dir,
	}
}

// Load reads a registry from a .yaml, .yml or .json file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	reg := &Registry{dir: filepath.Dir(path)}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &reg.TemplateRegistry)
	} else {
		err = json.Unmarshal(data, &reg.TemplateRegistry)
	}
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return reg, nil
}

// LoadOrNew loads path, or returns an empty registry if it does not exist.
func LoadOrNew(path string) (*Registry, error) {
	reg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(filepath.Dir(path)), nil
	}
	return reg, err
}

// Save writes the registry in the format implied by the file extension.
func (r *Registry) Save(path string) error {
	r.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&r.TemplateRegistry)
	} else {
		data, err = json.MarshalIndent(&r.TemplateRegistry, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (r *Registry) Get(id string) (*TemplateEntry, error) {
	for i := range r.Templates {
		if r.Templates[i].ID == id {
			return &r.Templates[i], nil
		}
	}
	return nil, apperrors.NewTemplateNotFoundError(id, fmt.Errorf("template %q is not registered", id))
}

// IDs returns the registered template ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.Templates))
	for _, t := range r.Templates {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the template file path of an entry.
func (r *Registry) Resolve(entry *TemplateEntry) string {
	if filepath.IsAbs(entry.Path) {
		return entry.Path
	}
	return filepath.Join(r.dir, entry.Path)
}

// LoadTemplate loads the template registered under id with its defaults.
func (r *Registry) LoadTemplate(id string) (*workflow.Template, error) {
	entry, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	opts := []workflow.TemplateOption{workflow.WithDefaults(entry.Defaults)}
	if entry.Required != nil {
		opts = append(opts, workflow.WithRequiredVariables(entry.Required...))
	}
	return workflow.LoadTemplate(r.Resolve(entry), opts...)
}

// Validate loads every template and reports all failures together.
func (r *Registry) Validate() error {
	var errs []error
	seen := make(map[string]bool)

	for _, t := range r.Templates {
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate template id %q", t.ID))
			continue
		}
		seen[t.ID] = true

		if _, err := r.LoadTemplate(t.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Add registers a new template. The id must be unique.
func (r *Registry) Add(entry TemplateEntry) error {
	if entry.ID == "" || entry.Path == "" {
		return apperrors.NewInvalidRequestError("template id and path are required")
	}
	if _, err := r.Get(entry.ID); err == nil {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("template %q already exists", entry.ID))
	}
	r.Templates = append(r.Templates, entry)
	return nil
}

// Update sets a single field of a registered template.
func (r *Registry) Update(id, field, value string) error {
	entry, err := r.Get(id)
	if err != nil {
		return err
	}

	switch field {
	case "path":
		entry.Path = value
	case "description":
		entry.Description = value
	case "backend":
		entry.Backend = value
	case "tags":
		entry.Tags = splitList(value)
	case "required":
		entry.Required = splitList(value)
	default:
		return apperrors.NewInvalidRequestError(fmt.Sprintf("unknown field %q", field))
	}
	return nil
}

// Remove deletes a template from the registry.
func (r *Registry) Remove(id string) error {
	for i, t := range r.Templates {
		if t.ID == id {
			r.Templates = append(r.Templates[:i], r.Templates[i+1:]...)
			return nil
		}
	}
	return apperrors.NewTemplateNotFoundError(id, fmt.Errorf("template %q is not registered", id))
}

func splitList(value string) []string {
	out := []string{}
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
