package dataflow

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/opentalon/relay/internal/failover"
)

type FilterType string

const (
	FilterInclude   FilterType = "include"
	FilterExclude   FilterType = "exclude"
	FilterCondition FilterType = "condition"
)

// FilterSpec is one step of an edge's filter chain. include and exclude
// project fields; condition decides whether the message is delivered at
// all, either by comparing Field with Value via Op or by a Lua
// condition(payload) script.
type FilterSpec struct {
	Type       FilterType `yaml:"type" json:"type"`
	Fields     []string   `yaml:"fields,omitempty" json:"fields,omitempty"`
	Field      string     `yaml:"field,omitempty" json:"field,omitempty"`
	Op         string     `yaml:"op,omitempty" json:"op,omitempty"`
	Value      any        `yaml:"value,omitempty" json:"value,omitempty"`
	Script     string     `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptFile string     `yaml:"script_file,omitempty" json:"script_file,omitempty"`
}

// filterFunc returns the possibly projected payload and whether the message
// should continue down the chain.
type filterFunc func(ctx context.Context, payload map[string]any) (map[string]any, bool, error)

func compileFilters(specs []FilterSpec) ([]filterFunc, error) {
	out := make([]filterFunc, 0, len(specs))
	for i := range specs {
		fn, err := compileFilter(specs[i])
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		out = append(out, fn)
	}
	return out, nil
}

func compileFilter(spec FilterSpec) (filterFunc, error) {
	switch spec.Type {
	case FilterInclude:
		if len(spec.Fields) == 0 {
			return nil, failover.Errorf(failover.KindValidation, "include filter needs fields")
		}
		fields := append([]string(nil), spec.Fields...)
		return func(_ context.Context, p map[string]any) (map[string]any, bool, error) {
			return keep(p, fields), true, nil
		}, nil

	case FilterExclude:
		if len(spec.Fields) == 0 {
			return nil, failover.Errorf(failover.KindValidation, "exclude filter needs fields")
		}
		fields := append([]string(nil), spec.Fields...)
		return func(_ context.Context, p map[string]any) (map[string]any, bool, error) {
			out := clonePayload(p)
			for _, f := range fields {
				delete(out, f)
			}
			return out, true, nil
		}, nil

	case FilterCondition:
		if spec.Script != "" || spec.ScriptFile != "" {
			script, err := compileScript(spec.Script, spec.ScriptFile, "condition")
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context, p map[string]any) (map[string]any, bool, error) {
				pass, err := script.Condition(ctx, p)
				if err != nil {
					return nil, false, failover.Wrap(failover.KindValidation, err, "lua condition")
				}
				return p, pass, nil
			}, nil
		}
		if spec.Field == "" {
			return nil, failover.Errorf(failover.KindValidation, "condition filter needs a field or script")
		}
		op := strings.ToLower(spec.Op)
		if op == "" {
			op = "eq"
		}
		if !knownOp(op) {
			return nil, failover.Errorf(failover.KindValidation, "condition filter: unknown op %q", spec.Op)
		}
		field, want := spec.Field, spec.Value
		return func(_ context.Context, p map[string]any) (map[string]any, bool, error) {
			got, ok := lookup(p, field)
			return p, compare(op, got, ok, want), nil
		}, nil

	default:
		return nil, failover.Errorf(failover.KindValidation, "unknown filter type %q", spec.Type)
	}
}

func knownOp(op string) bool {
	switch op {
	case "eq", "ne", "gt", "gte", "lt", "lte", "exists", "contains":
		return true
	}
	return false
}

func compare(op string, got any, present bool, want any) bool {
	if op == "exists" {
		return present
	}
	if !present {
		return op == "ne"
	}
	switch op {
	case "eq":
		return equal(got, want)
	case "ne":
		return !equal(got, want)
	case "contains":
		switch g := got.(type) {
		case string:
			s, ok := want.(string)
			return ok && strings.Contains(g, s)
		case []any:
			for _, item := range g {
				if equal(item, want) {
					return true
				}
			}
		}
		return false
	}
	a, okA := toFloat(got)
	b, okB := toFloat(want)
	if !okA || !okB {
		return false
	}
	switch op {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}
