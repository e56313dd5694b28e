package workflow

import (
	"reflect"
	"strconv"
	"strings"
)

const (
	rootInput = "$input"
	rootSteps = "$steps"
)

// StepOutput is what later steps can observe about a settled step.
type StepOutput struct {
	Status StepStatus
	Output any
}

// Scope is the resolution context: the workflow input and the outputs of
// settled steps.
type Scope struct {
	Input map[string]any
	Steps map[string]StepOutput
}

// NewScope returns a scope over input with no settled steps.
func NewScope(input map[string]any) Scope {
	return Scope{Input: input, Steps: make(map[string]StepOutput)}
}

// IsReference reports whether s is a $input or $steps reference.
func IsReference(s string) bool {
	return s == rootInput || strings.HasPrefix(s, rootInput+".") || strings.HasPrefix(s, rootSteps+".")
}

// Resolve evaluates a reference against scope. Non-references are literals
// and come back unchanged. A missing path segment yields None.
//
//	$input              whole input
//	$input.a.b          nested input value
//	$steps.<id>.output  output of step id, optionally followed by a path
//	$steps.<id>.status  status of step id
func Resolve(expr string, scope Scope) Value {
	if !IsReference(expr) {
		return Some(expr)
	}
	segs := strings.Split(expr, ".")
	switch segs[0] {
	case rootInput:
		if scope.Input == nil {
			return None()
		}
		return walk(scope.Input, segs[1:])
	case rootSteps:
		step, ok := scope.Steps[segs[1]]
		if !ok {
			return None()
		}
		if len(segs) == 2 {
			return Some(map[string]any{"status": string(step.Status), "output": step.Output})
		}
		switch segs[2] {
		case "output":
			if step.Output == nil {
				return None()
			}
			return walk(step.Output, segs[3:])
		case "status":
			if len(segs) > 3 {
				return None()
			}
			return Some(string(step.Status))
		}
	}
	return None()
}

// ResolveInputs resolves every reference in inputs, descending into nested
// maps and lists. Keys whose reference is absent are left out of the result;
// absent list elements become nil so positions are kept.
func ResolveInputs(inputs map[string]any, scope Scope) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if val, ok := resolveValue(v, scope).Get(); ok {
			out[k] = val
		}
	}
	return out
}

func resolveValue(v any, scope Scope) Value {
	switch t := v.(type) {
	case string:
		return Resolve(t, scope)
	case map[string]any:
		return Some(ResolveInputs(t, scope))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, scope).OrNil()
		}
		return Some(out)
	default:
		return Some(v)
	}
}

func walk(cur any, segs []string) Value {
	for _, seg := range segs {
		next, ok := lookup(cur, seg)
		if !ok {
			return None()
		}
		cur = next
	}
	return Some(cur)
}

// lookup reads one path segment from maps with string keys, slices and
// arrays by index, and structs by field name or json tag.
func lookup(cur any, seg string) (any, bool) {
	switch t := cur.(type) {
	case nil:
		return nil, false
	case map[string]any:
		v, ok := t[seg]
		return v, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	}

	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == seg || (name == "" && f.Name == seg) || f.Name == seg {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}
