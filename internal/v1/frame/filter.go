package frame

import (
	"errors"
	"reflect"
	"regexp"
)

// ErrEmptyFilter is returned by MatchFrame when a Filter has no
// populated field at all — callers must listen on the wildcard stream
// for that instead of constructing an always-true filter by accident.
var ErrEmptyFilter = errors.New("frame: empty filter")

// Filter is a conjunctive predicate over an inbound frame. A nil field
// is not checked; at least one field must be set (or Any must be true).
type Filter struct {
	// Any matches every frame, equivalent to the wire-level filter "*".
	Any bool

	// Type matches frame.Name exactly. TypeRegexp, if set, takes
	// precedence and matches frame.Name as a pattern instead.
	Type       string
	TypeRegexp *regexp.Regexp

	// Nonce matches frame.Nonce by equality when non-nil.
	Nonce *int64

	// Contents requires every key here to be present and equal (by deep
	// subset comparison) in frame.Contents.
	Contents map[string]any
}

// TypeFilter is shorthand for Filter{Type: t}.
func TypeFilter(t string) Filter {
	return Filter{Type: t}
}

// NonceFilter is shorthand for Filter{Nonce: &n}.
func NonceFilter(n int64) Filter {
	return Filter{Nonce: &n}
}

func (f Filter) isEmpty() bool {
	return !f.Any && f.Type == "" && f.TypeRegexp == nil && f.Nonce == nil && len(f.Contents) == 0
}

// MatchFrame reports whether fr satisfies filter. Returns ErrEmptyFilter
// if filter has no criteria set.
func MatchFrame(filter Filter, fr Frame) (bool, error) {
	if filter.isEmpty() {
		return false, ErrEmptyFilter
	}
	if filter.Any {
		return true, nil
	}

	if filter.TypeRegexp != nil {
		if !filter.TypeRegexp.MatchString(fr.Name) {
			return false, nil
		}
	} else if filter.Type != "" {
		if filter.Type != fr.Name {
			return false, nil
		}
	}

	if filter.Nonce != nil {
		if fr.Nonce == nil || *fr.Nonce != *filter.Nonce {
			return false, nil
		}
	}

	if len(filter.Contents) > 0 {
		if !IsSubset(filter.Contents, toAnyMap(fr.Contents)) {
			return false, nil
		}
	}

	return true, nil
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsSubset reports whether every key in a is present in b with an equal
// value. Nested maps recurse; slices and scalars compare by value using
// reflect.DeepEqual, which is sufficient here since both sides always
// originate from decoded JSON (map[string]any / []any / scalars).
func IsSubset(a, b map[string]any) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		return IsSubset(am, bm)
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}
