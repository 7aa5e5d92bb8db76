package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// FilterFunc transforms a rendered value. param is nil when the filter is
// used without an argument.
type FilterFunc func(in interface{}, param interface{}) (interface{}, error)

func init() {
	registerBuiltinFilters()
}

// RegisterFilter makes a filter available to every template. Filters are
// process-wide; registering an existing name fails.
func RegisterFilter(name string, fn FilterFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("workflow: filter name and function required")
	}
	if pongo2.FilterExists(name) {
		return fmt.Errorf("workflow: filter %q already exists", name)
	}

	return pongo2.RegisterFilter(name, func(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
		var paramVal interface{}
		if param != nil && !param.IsNil() {
			paramVal = param.Interface()
		}
		result, err := fn(in.Interface(), paramVal)
		if err != nil {
			return nil, &pongo2.Error{Sender: "filter:" + name, OrigError: err}
		}
		return pongo2.AsValue(result), nil
	})
}

func registerBuiltinFilters() {
	// pongo2 ships "integer" and "float"; "int" keeps Jinja templates working.
	if !pongo2.FilterExists("int") {
		_ = pongo2.RegisterFilter("int", filterInt)
	}
	if !pongo2.FilterExists("tojson") {
		_ = pongo2.RegisterFilter("tojson", filterToJSON)
	}
}

func filterInt(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	if in.IsFloat() {
		return pongo2.AsValue(int(in.Float())), nil
	}
	return pongo2.AsValue(in.Integer()), nil
}

func filterToJSON(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	data, err := json.Marshal(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:tojson", OrigError: err}
	}
	return pongo2.AsSafeValue(string(data)), nil
}
