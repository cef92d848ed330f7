package dataflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/lua"
)

type TransformType string

const (
	TransformFormat    TransformType = "format"
	TransformAggregate TransformType = "aggregate"
	TransformFilter    TransformType = "filter"
	TransformEnrich    TransformType = "enrich"
	TransformLua       TransformType = "lua"
)

// TransformSpec reshapes a payload before it is delivered.
//
//	format:    Mapping of output field to dotted input path
//	filter:    keep only Fields
//	aggregate: reduce the list at Field into count/sum/avg/min/max
//	enrich:    merge Values and stamp the route
//	lua:       call transform(payload) from Script or ScriptFile
type TransformSpec struct {
	Type       TransformType     `yaml:"type" json:"type"`
	Mapping    map[string]string `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	Fields     []string          `yaml:"fields,omitempty" json:"fields,omitempty"`
	Field      string            `yaml:"field,omitempty" json:"field,omitempty"`
	Values     map[string]any    `yaml:"values,omitempty" json:"values,omitempty"`
	Script     string            `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptFile string            `yaml:"script_file,omitempty" json:"script_file,omitempty"`
}

// Route identifies where a payload is travelling.
type Route struct {
	Source string
	Target string
	Kind   Kind
}

type transformFunc func(ctx context.Context, payload map[string]any, route Route) (map[string]any, error)

// Transform applies spec once, for callers that hold no edge (workflow
// transform steps).
func Transform(ctx context.Context, spec TransformSpec, payload map[string]any, route Route) (map[string]any, error) {
	fn, err := compileTransform(&spec)
	if err != nil {
		return nil, err
	}
	return fn(ctx, payload, route)
}

func compileTransform(spec *TransformSpec) (transformFunc, error) {
	if spec == nil {
		return nil, nil
	}
	switch spec.Type {
	case TransformFormat:
		if len(spec.Mapping) == 0 {
			return nil, failover.Errorf(failover.KindValidation, "format transform needs a mapping")
		}
		mapping := copyStrings(spec.Mapping)
		return func(_ context.Context, p map[string]any, _ Route) (map[string]any, error) {
			out := make(map[string]any, len(mapping))
			for field, path := range mapping {
				if v, ok := lookup(p, path); ok {
					out[field] = v
				}
			}
			return out, nil
		}, nil

	case TransformFilter:
		if len(spec.Fields) == 0 {
			return nil, failover.Errorf(failover.KindValidation, "filter transform needs fields")
		}
		fields := append([]string(nil), spec.Fields...)
		return func(_ context.Context, p map[string]any, _ Route) (map[string]any, error) {
			return keep(p, fields), nil
		}, nil

	case TransformAggregate:
		if spec.Field == "" {
			return nil, failover.Errorf(failover.KindValidation, "aggregate transform needs a field")
		}
		field := spec.Field
		return func(_ context.Context, p map[string]any, _ Route) (map[string]any, error) {
			return aggregate(p, field)
		}, nil

	case TransformEnrich:
		values := spec.Values
		return func(_ context.Context, p map[string]any, r Route) (map[string]any, error) {
			out := clonePayload(p)
			for k, v := range values {
				out[k] = v
			}
			out["_route"] = map[string]any{"source": r.Source, "target": r.Target, "kind": string(r.Kind)}
			return out, nil
		}, nil

	case TransformLua:
		script, err := compileScript(spec.Script, spec.ScriptFile, "transform")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, p map[string]any, _ Route) (map[string]any, error) {
			out, err := script.Transform(ctx, p)
			if err != nil {
				return nil, failover.Wrap(failover.KindValidation, err, "lua transform")
			}
			return out, nil
		}, nil

	default:
		return nil, failover.Errorf(failover.KindValidation, "unknown transform type %q", spec.Type)
	}
}

func compileScript(source, file, name string) (*lua.Script, error) {
	var (
		script *lua.Script
		err    error
	)
	switch {
	case source != "":
		script, err = lua.Compile(name+".lua", source)
	case file != "":
		script, err = lua.LoadFile(file)
	default:
		return nil, failover.Errorf(failover.KindValidation, "lua %s needs script or script_file", name)
	}
	if err != nil {
		return nil, failover.Wrap(failover.KindValidation, err, "lua %s", name)
	}
	if !script.Defines(name) {
		return nil, failover.Errorf(failover.KindValidation, "lua script %s must define %s(payload)", script.Name, name)
	}
	return script, nil
}

func aggregate(p map[string]any, field string) (map[string]any, error) {
	raw, ok := lookup(p, field)
	if !ok {
		return nil, failover.Errorf(failover.KindValidation, "aggregate: field %q missing", field)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, failover.Errorf(failover.KindValidation, "aggregate: field %q is not a list", field)
	}
	stats := map[string]any{"field": field, "count": len(items)}
	var sum float64
	lo, hi := math.Inf(1), math.Inf(-1)
	numeric := 0
	for _, it := range items {
		f, ok := toFloat(it)
		if !ok {
			continue
		}
		numeric++
		sum += f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if numeric > 0 {
		stats["sum"] = sum
		stats["avg"] = sum / float64(numeric)
		stats["min"] = lo
		stats["max"] = hi
	}
	out := clonePayload(p)
	out["aggregate"] = stats
	return out, nil
}

// lookup resolves a dotted path such as "user.address.city".
func lookup(p map[string]any, path string) (any, bool) {
	var cur any = p
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func keep(p map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := p[f]; ok {
			out[f] = v
		}
	}
	return out
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

func (t TransformType) String() string { return string(t) }

func (s TransformSpec) String() string { return fmt.Sprintf("transform(%s)", s.Type) }

// ValidateTransform compiles spec without running it.
func ValidateTransform(spec TransformSpec) error {
	_, err := compileTransform(&spec)
	return err
}
