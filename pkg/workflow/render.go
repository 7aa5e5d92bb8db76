package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flosch/pongo2/v6"

	apperrors "comfy-executors/internal/common/errors"
)

// Template variable names for the named Variables fields.
const (
	VarInputImagesDir = "input_images_dir"
	VarBatchSize      = "batch_size"
	VarNumSamples     = "num_samples"
	VarBatchIndex     = "batch_index"
	VarBatchCount     = "batch_count"
)

// Variables is the per-render configuration. Zero-valued named fields are
// left out of the context so lower layers can supply them. BatchIndex and
// BatchCount are only bound when BatchCount > 0.
type Variables struct {
	InputImagesDir string
	BatchSize      int
	NumSamples     int
	BatchIndex     int
	BatchCount     int
	Extra          map[string]interface{}
}

func (v Variables) named() map[string]interface{} {
	out := make(map[string]interface{}, 5)
	if v.InputImagesDir != "" {
		out[VarInputImagesDir] = v.InputImagesDir
	}
	if v.BatchSize > 0 {
		out[VarBatchSize] = v.BatchSize
	}
	if v.NumSamples > 0 {
		out[VarNumSamples] = v.NumSamples
	}
	if v.BatchCount > 0 {
		out[VarBatchIndex] = v.BatchIndex
		out[VarBatchCount] = v.BatchCount
	}
	return out
}

// Document is a rendered job document. Graph is set for json templates.
type Document struct {
	Template string
	Text     string
	Graph    map[string]interface{}
}

// JSON returns the document as sent to an endpoint.
func (d *Document) JSON() ([]byte, error) {
	if d.Graph == nil {
		return []byte(d.Text), nil
	}
	return json.Marshal(d.Graph)
}

// Context merges the binding layers, lowest priority first: template
// defaults, executor defaults, named fields, Extra.
func (t *Template) Context(vars Variables, defaults map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(t.defaults)+len(defaults)+len(vars.Extra)+5)
	for _, layer := range []map[string]interface{}{t.defaults, defaults, vars.named(), vars.Extra} {
		for k, v := range layer {
			ctx[k] = v
		}
	}
	return ctx
}

// Render substitutes the merged bindings into the template. Referencing a
// variable that is not bound, unless it has a default filter, fails with
// RENDER_ERROR; so does a json template whose output is not a JSON object.
func (t *Template) Render(vars Variables, defaults map[string]interface{}) (*Document, error) {
	ctx := t.Context(vars, defaults)

	var missing []string
	for name := range t.refs.required {
		if _, ok := ctx[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.NewRenderError(t.name,
			fmt.Sprintf("undefined variables: %s", strings.Join(missing, ", ")), nil)
	}

	text, err := t.tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return nil, apperrors.NewRenderError(t.name, "", err)
	}

	doc := &Document{Template: t.name, Text: text}
	if t.Format() != "json" {
		return doc, nil
	}

	if err := json.Unmarshal([]byte(text), &doc.Graph); err != nil {
		return nil, apperrors.NewRenderError(t.name, "rendered document is not a JSON object", err)
	}
	if doc.Graph == nil {
		return nil, apperrors.NewRenderError(t.name, "rendered document is null", nil)
	}
	return doc, nil
}
