package workflow

// Value is an optional value. Resolving a reference through a missing path
// yields None rather than an error.
type Value struct {
	v  any
	ok bool
}

// Some wraps a present value. A present value may itself be nil.
func Some(v any) Value { return Value{v: v, ok: true} }

// None is the absent value.
func None() Value { return Value{} }

// Get returns the value and whether it is present.
func (v Value) Get() (any, bool) { return v.v, v.ok }

// IsPresent reports whether the value exists.
func (v Value) IsPresent() bool { return v.ok }

// OrElse returns the value, or def when absent.
func (v Value) OrElse(def any) any {
	if !v.ok {
		return def
	}
	return v.v
}

// OrNil returns the value, or nil when absent.
func (v Value) OrNil() any { return v.v }
