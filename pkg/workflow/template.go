// Package workflow loads ComfyUI workflow templates and renders them into
// concrete job documents.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flosch/pongo2/v6"

	apperrors "comfy-executors/internal/common/errors"
)

// TemplateExt is the suffix stripped from template file names.
const TemplateExt = ".jinja"

// DefaultRequiredVariables must be referenced by every template unless
// overridden with WithRequiredVariables.
var DefaultRequiredVariables = []string{"input_images_dir", "batch_size"}

// Template is an unrendered workflow plus its default bindings. It is
// immutable after load and safe for concurrent Render calls.
type Template struct {
	name     string
	path     string
	source   string
	defaults map[string]interface{}
	tpl      *pongo2.Template
	refs     references
}

type templateOptions struct {
	defaults map[string]interface{}
	required []string
	baseDir  string
}

type TemplateOption func(*templateOptions)

// WithDefaults binds default variables, the lowest-priority layer at render.
func WithDefaults(defaults map[string]interface{}) TemplateOption {
	return func(o *templateOptions) {
		for k, v := range defaults {
			o.defaults[k] = v
		}
	}
}

// WithRequiredVariables replaces the list of variables the template must
// reference. Pass no names to disable the check.
func WithRequiredVariables(names ...string) TemplateOption {
	return func(o *templateOptions) {
		o.required = append([]string(nil), names...)
	}
}

// WithBaseDir sets the directory {% include %} paths resolve against.
func WithBaseDir(dir string) TemplateOption {
	return func(o *templateOptions) { o.baseDir = dir }
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string, opts ...TemplateOption) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewTemplateNotFoundError(path, err)
	}

	opts = append([]TemplateOption{WithBaseDir(filepath.Dir(path))}, opts...)
	t, err := ParseTemplate(filepath.Base(path), string(data), opts...)
	if err != nil {
		return nil, err
	}
	t.path = path
	return t, nil
}

// ParseTemplate builds a template from text. name follows the
// <base>.<ext>.jinja convention; the .jinja suffix is optional.
func ParseTemplate(name, text string, opts ...TemplateOption) (*Template, error) {
	o := templateOptions{
		defaults: make(map[string]interface{}),
		required: DefaultRequiredVariables,
	}
	for _, opt := range opts {
		opt(&o)
	}

	name = strings.TrimSuffix(name, TemplateExt)

	set, err := newSet(name, o.baseDir)
	if err != nil {
		return nil, apperrors.NewTemplateSyntaxError(name, err)
	}

	// Autoescaping would turn the quotes of a JSON document into entities.
	tpl, err := set.FromString("{% autoescape off %}" + text + "{% endautoescape %}")
	if err != nil {
		return nil, apperrors.NewTemplateSyntaxError(name, err)
	}

	t := &Template{
		name:     name,
		source:   text,
		defaults: o.defaults,
		tpl:      tpl,
		refs:     scanReferences(text),
	}

	var missing []string
	for _, req := range o.required {
		if !t.refs.has(req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.NewTemplateSyntaxError(name,
			fmt.Errorf("missing variables in workflow template: %s", strings.Join(missing, ", ")))
	}

	return t, nil
}

func newSet(name, baseDir string) (*pongo2.TemplateSet, error) {
	loader, err := pongo2.NewLocalFileSystemLoader(baseDir)
	if err != nil {
		return nil, err
	}
	return pongo2.NewSet(name, loader), nil
}

// Name is the file name without the .jinja suffix, e.g. "txt2img.json".
func (t *Template) Name() string { return t.name }

// Path is the file the template was loaded from, empty for ParseTemplate.
func (t *Template) Path() string { return t.path }

// Source returns the raw template text.
func (t *Template) Source() string { return t.source }

// Format is the document extension, e.g. "json". Empty when the name has none.
func (t *Template) Format() string {
	ext := filepath.Ext(t.name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Defaults returns a copy of the template's default bindings.
func (t *Template) Defaults() map[string]interface{} {
	out := make(map[string]interface{}, len(t.defaults))
	for k, v := range t.defaults {
		out[k] = v
	}
	return out
}

// Variables lists every free variable the template references, sorted.
func (t *Template) Variables() []string {
	out := make([]string, 0, len(t.refs.all))
	for name := range t.refs.all {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
