package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidExpression is wrapped by every syntax error from Eval.
var ErrInvalidExpression = errors.New("invalid expression")

// Eval evaluates a condition expression against scope.
// Supported:
//   - literals: numbers, booleans, null, quoted strings
//   - references: $input.a.b, $steps.<id>.output.x, $steps.<id>.status
//   - functions: length(x), first(x), exists(x)
//   - comparisons: a == b, a != b, a > b, a < b, a >= b, a <= b
//   - logic: a && b, a || b, unary !, parentheses
//
// Absent references evaluate to nil, which is falsy.
func Eval(expr string, scope Scope) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if inner, ok := stripParens(expr); ok {
		return Eval(inner, scope)
	}

	if left, right, ok := splitTop(expr, "||"); ok {
		lv, err := Eval(left, scope)
		if err != nil {
			return nil, err
		}
		if truthy(lv) {
			// still parse the right side so malformed expressions never hide
			if _, err := Eval(right, Scope{}); err != nil {
				return nil, err
			}
			return true, nil
		}
		rv, err := Eval(right, scope)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}
	if left, right, ok := splitTop(expr, "&&"); ok {
		lv, err := Eval(left, scope)
		if err != nil {
			return nil, err
		}
		rv, err := Eval(right, scope)
		if err != nil {
			return nil, err
		}
		return truthy(lv) && truthy(rv), nil
	}

	// Unary not
	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		val, err := Eval(expr[1:], scope)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}

	// comparisons
	if left, op, right, ok := splitComparison(expr); ok {
		if left == "" || right == "" {
			return nil, fmt.Errorf("%w: missing operand for %s in %q", ErrInvalidExpression, op, expr)
		}
		lv, err := Eval(left, scope)
		if err != nil {
			return nil, err
		}
		rv, err := Eval(right, scope)
		if err != nil {
			return nil, err
		}
		return compare(lv, rv, op), nil
	}

	// function calls
	if name, arg, ok := splitCall(expr); ok {
		switch name {
		case "exists":
			if IsReference(arg) {
				return Resolve(arg, scope).IsPresent(), nil
			}
			val, err := Eval(arg, scope)
			if err != nil {
				return nil, err
			}
			return val != nil, nil
		case "length":
			val, err := Eval(arg, scope)
			if err != nil {
				return nil, err
			}
			return length(val), nil
		case "first":
			val, err := Eval(arg, scope)
			if err != nil {
				return nil, err
			}
			rv := reflect.ValueOf(val)
			if val != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() > 0 {
				return rv.Index(0).Interface(), nil
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: unknown function %s", ErrInvalidExpression, name)
		}
	}

	// literal string
	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') {
		if expr[len(expr)-1] != expr[0] {
			return nil, fmt.Errorf("%w: unterminated string %s", ErrInvalidExpression, expr)
		}
		return expr[1 : len(expr)-1], nil
	}

	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}

	// literal number
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}

	if IsReference(expr) {
		if strings.ContainsAny(expr, " \t()'\"") {
			return nil, fmt.Errorf("%w: malformed reference %q", ErrInvalidExpression, expr)
		}
		return Resolve(expr, scope).OrNil(), nil
	}
	return nil, fmt.Errorf("%w: unknown operand %q", ErrInvalidExpression, expr)
}

// EvalCondition evaluates expr and reports its truthiness.
func EvalCondition(expr string, scope Scope) (bool, error) {
	val, err := Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

// CheckExpression reports syntax errors in expr without any scope.
func CheckExpression(expr string) error {
	_, err := Eval(expr, Scope{})
	return err
}

// stripParens removes one pair of parentheses wrapping the whole expression.
func stripParens(expr string) (string, bool) {
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return "", false
			}
		}
	}
	return expr[1 : len(expr)-1], depth == 0
}

// scanTop calls fn for every byte index that sits outside quotes and
// parentheses. fn returns true to stop the scan.
func scanTop(expr string, fn func(i int) bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth == 0 && fn(i) {
			return
		}
	}
}

func splitTop(expr, op string) (string, string, bool) {
	idx := -1
	scanTop(expr, func(i int) bool {
		if strings.HasPrefix(expr[i:], op) {
			idx = i
			return true
		}
		return false
	})
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):]), true
}

func splitComparison(expr string) (string, string, string, bool) {
	idx, op := -1, ""
	scanTop(expr, func(i int) bool {
		for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
			if strings.HasPrefix(expr[i:], candidate) {
				idx, op = i, candidate
				return true
			}
		}
		return false
	})
	if idx < 0 {
		return "", "", "", false
	}
	return strings.TrimSpace(expr[:idx]), op, strings.TrimSpace(expr[idx+len(op):]), true
}

func splitCall(expr string) (string, string, bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	name := expr[:open]
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return "", "", false
		}
	}
	return name, strings.TrimSpace(expr[open+1 : len(expr)-1]), true
}

func length(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len()
	}
	return 0
}

func compare(a, b any, op string) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf, op)
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return cmpOrdered(as, bs, op)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return cmpEqual(ab == bb, op)
		}
	}
	if a == nil || b == nil {
		return cmpEqual(a == nil && b == nil, op)
	}
	// fallback equality
	return cmpEqual(fmt.Sprint(a) == fmt.Sprint(b), op)
}

func cmpEqual(equal bool, op string) bool {
	switch op {
	case "==":
		return equal
	case "!=":
		return !equal
	default:
		return false
	}
}

func cmpOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
