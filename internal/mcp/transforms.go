package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/praxis/a2a-fabric/internal/a2a"
)

// TransformFunc converts one parameter or response value. It must be pure.
type TransformFunc func(value interface{}) (interface{}, error)

// TransformRegistry resolves transform names used by mappings.
type TransformRegistry struct {
	mu    sync.RWMutex
	funcs map[string]TransformFunc
}

// NewTransformRegistry returns a registry preloaded with the builtin transforms.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{funcs: make(map[string]TransformFunc)}
	for name, fn := range builtinTransforms {
		r.funcs[name] = fn
	}
	return r
}

// Register adds a named transform.
func (r *TransformRegistry) Register(name string, fn TransformFunc) error {
	if name == "" || fn == nil {
		return a2a.Errorf(a2a.KindInvalidMapping, "transform needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return a2a.Errorf(a2a.KindMappingAlreadyExists, "transform %s already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Get returns the transform, or the identity for an empty name.
func (r *TransformRegistry) Get(name string) (TransformFunc, bool) {
	if name == "" {
		return identity, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists registered transforms.
func (r *TransformRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

func identity(v interface{}) (interface{}, error) { return v, nil }

var builtinTransforms = map[string]TransformFunc{
	"identity":       identity,
	"to_string":      toString,
	"to_number":      toNumber,
	"json_encode":    jsonEncode,
	"json_decode":    jsonDecode,
	"csv_split":      csvSplit,
	"csv_join":       csvJoin,
	"seconds_to_ms":  multiply(1000),
	"ms_to_seconds":  divide(1000),
	"wrap_list":      wrapList,
	"unwrap_list":    unwrapList,
	"lowercase":      strFunc(strings.ToLower),
	"uppercase":      strFunc(strings.ToUpper),
	"trim":           strFunc(strings.TrimSpace),
	"bool_to_string": boolToString,
	"string_to_bool": stringToBool,
}

func toString(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return nil, fmt.Errorf("cannot convert %T to string", v)
}

func toNumber(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to number", v)
}

func jsonEncode(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonDecode(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("json_decode needs a string, got %T", v)
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func csvSplit(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("csv_split needs a string, got %T", v)
	}
	if s == "" {
		return []interface{}{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func csvJoin(v interface{}) (interface{}, error) {
	var parts []string
	switch t := v.(type) {
	case []string:
		parts = t
	case []interface{}:
		for _, el := range t {
			s, ok := el.(string)
			if !ok {
				return nil, fmt.Errorf("csv_join needs strings, got %T", el)
			}
			parts = append(parts, s)
		}
	default:
		return nil, fmt.Errorf("csv_join needs a list, got %T", v)
	}
	return strings.Join(parts, ","), nil
}

func multiply(factor float64) TransformFunc {
	return func(v interface{}) (interface{}, error) {
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return n.(float64) * factor, nil
	}
}

func divide(divisor float64) TransformFunc {
	return func(v interface{}) (interface{}, error) {
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return n.(float64) / divisor, nil
	}
}

func wrapList(v interface{}) (interface{}, error) {
	return []interface{}{v}, nil
}

func unwrapList(v interface{}) (interface{}, error) {
	list, ok := v.([]interface{})
	if !ok || len(list) != 1 {
		return nil, fmt.Errorf("unwrap_list needs a single element list")
	}
	return list[0], nil
}

func strFunc(fn func(string) string) TransformFunc {
	return func(v interface{}) (interface{}, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return fn(s), nil
	}
}

func boolToString(v interface{}) (interface{}, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
	return strconv.FormatBool(b), nil
}

func stringToBool(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return strconv.ParseBool(s)
}
