package component

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
)

// Property writes one configuration field from a JSON value and returns the
// value actually stored.
type Property[T any] func(cfg T, value json.RawMessage) (any, error)

// Properties is the closed set of settable fields of one configuration type,
// keyed by property path.
type Properties[T any] map[string]Property[T]

type SetPropertyArgs struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

type SetPropertyResult struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Set validates and stores args.Value at args.Path.
func (p Properties[T]) Set(cfg T, args SetPropertyArgs) (SetPropertyResult, error) {
	prop, ok := p[args.Path]
	if !ok {
		return SetPropertyResult{}, fmt.Errorf("%w: unknown property %q", ErrValidationFailure, args.Path)
	}
	actual, err := prop(cfg, args.Value)
	if err != nil {
		return SetPropertyResult{}, err
	}
	raw, err := json.Marshal(actual)
	if err != nil {
		return SetPropertyResult{}, err
	}
	return SetPropertyResult{Path: args.Path, Value: raw}, nil
}

// Replay stores a value already accepted by the server.
func (p Properties[T]) Replay(cfg T, result SetPropertyResult) error {
	_, err := p.Set(cfg, SetPropertyArgs(result))
	return err
}

func (p Properties[T]) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func BoolField[T any](field func(cfg T) *bool) Property[T] {
	return func(cfg T, value json.RawMessage) (any, error) {
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%w: expected boolean", ErrValidationFailure)
		}
		*field(cfg) = v
		return v, nil
	}
}

// FloatField clamps the stored value into [lo, hi].
func FloatField[T any](field func(cfg T) *float64, lo, hi float64) Property[T] {
	return func(cfg T, value json.RawMessage) (any, error) {
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%w: expected number", ErrValidationFailure)
		}
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: NaN", ErrValidationFailure)
		}
		v = math.Max(lo, math.Min(hi, v))
		*field(cfg) = v
		return v, nil
	}
}

// EnumField accepts only the listed values.
func EnumField[T any](field func(cfg T) *string, allowed ...string) Property[T] {
	return func(cfg T, value json.RawMessage) (any, error) {
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%w: expected string", ErrValidationFailure)
		}
		if !slices.Contains(allowed, v) {
			return nil, fmt.Errorf("%w: %q is not one of %v", ErrValidationFailure, v, allowed)
		}
		*field(cfg) = v
		return v, nil
	}
}

var hexColor = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)

// ColorField stores a six digit hex color, lower-cased.
func ColorField[T any](field func(cfg T) *string) Property[T] {
	return func(cfg T, value json.RawMessage) (any, error) {
		var v string
		if err := json.Unmarshal(value, &v); err != nil || !hexColor.MatchString(v) {
			return nil, fmt.Errorf("%w: expected hex color like \"ffffff\"", ErrValidationFailure)
		}
		v = toLowerHex(v)
		*field(cfg) = v
		return v, nil
	}
}

func toLowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
