package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidArgument is matched by every ArgumentError.
var ErrInvalidArgument = errors.New("invalid argument")

// ArgumentError reports a missing or uncoercible argument.
type ArgumentError struct {
	Name    string
	Type    ArgType
	Value   any
	Missing bool
}

func (e *ArgumentError) Error() string {
	if e.Missing {
		return "Parameter Missing: " + e.Name
	}
	return fmt.Sprintf("Parameter is Invalid: %s %v %s", e.Name, e.Value, e.Type)
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Args holds the coerced arguments of one invocation.
type Args map[string]any

// ValidateArgs coerces raw request values to the declared types. Keys without
// a matching spec are dropped. Optional arguments that are absent stay absent.
func ValidateArgs(specs []ArgSpec, raw map[string]any) (Args, error) {
	args := make(Args, len(specs))
	for _, spec := range specs {
		v, ok := raw[spec.Name]
		if !ok {
			if spec.Required {
				return nil, &ArgumentError{Name: spec.Name, Type: spec.Type, Missing: true}
			}
			continue
		}
		coerced, ok := coerce(v, spec.Type)
		if !ok {
			return nil, &ArgumentError{Name: spec.Name, Type: spec.Type, Value: v}
		}
		args[spec.Name] = coerced
	}
	return args, nil
}

func coerce(v any, t ArgType) (any, bool) {
	switch t {
	case Integer:
		return toInt(v)
	case Float:
		if _, isBool := v.(bool); isBool {
			return nil, false
		}
		return toFloat(v)
	case String:
		return stringify(v), true
	case Boolean:
		return toBool(v)
	case List:
		l, ok := v.([]any)
		return l, ok
	case Dict:
		m, ok := v.(map[string]any)
		return m, ok
	}
	return nil, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		// -2^63 is exact as a float64; 2^63 is the first value past MaxInt64.
		n = math.Trunc(n)
		if n < math.MinInt64 || n >= -math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	switch strings.ToLower(stringify(v)) {
	case "true", "1", "t", "y", "yes":
		return true, true
	case "false", "0", "f", "n", "no":
		return false, true
	}
	return false, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case []any, map[string]any:
		b, err := json.Marshal(s)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Int returns the named argument as an integer, or zero when absent.
func (a Args) Int(name string) int64 {
	i, _ := toInt(a[name])
	return i
}

// Float returns the named argument as a float, or zero when absent.
func (a Args) Float(name string) float64 {
	f, _ := toFloat(a[name])
	return f
}

// String returns the named argument as a string, or "" when absent.
func (a Args) String(name string) string {
	v, ok := a[name]
	if !ok {
		return ""
	}
	return stringify(v)
}

// Bool returns the named argument as a boolean, or false when absent.
func (a Args) Bool(name string) bool {
	b, _ := toBool(a[name])
	return b
}

// List returns the named argument as a list, or nil when absent.
func (a Args) List(name string) []any {
	l, _ := a[name].([]any)
	return l
}

// Dict returns the named argument as an object, or nil when absent.
func (a Args) Dict(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}
