package vector

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

// Op is a metadata comparison operator.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpIn  Op = "$in"
	OpNin Op = "$nin"
)

const opAnd = "$and"

// Condition is one predicate over a metadata field. Range operators carry a
// float64 Value; $in and $nin carry Values.
type Condition struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of conditions. A nil Filter matches every record.
type Filter struct {
	Conditions []Condition
}

// ParseFilter compiles a where mapping:
//
//	{"category": "x"}                          equality
//	{"year": {"$gte": 2020, "$lt": 2024}}      operators on one field
//	{"$and": [{"lang": "en"}, {"id": {"$in": ["a", "b"]}}]}
//
// Several top-level keys are combined with AND. An empty mapping yields nil.
func ParseFilter(where map[string]any) (*Filter, error) {
	if len(where) == 0 {
		return nil, nil
	}
	f := &Filter{}
	if err := f.parse(where); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseFilterJSON compiles a where mapping given as JSON text.
func ParseFilterJSON(data string) (*Filter, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var where map[string]any
	if err := json.Unmarshal([]byte(data), &where); err != nil {
		return nil, errdefs.Validationf("filter is not a JSON object: %v", err)
	}
	return ParseFilter(where)
}

// IdentityIn matches records whose field holds one of ids.
func IdentityIn(field string, ids []string) *Filter {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return &Filter{Conditions: []Condition{{Field: field, Op: OpIn, Values: values}}}
}

func (f *Filter) parse(where map[string]any) error {
	for _, key := range sortedKeys(where) {
		val := where[key]
		switch {
		case key == opAnd:
			clauses, ok := val.([]any)
			if !ok {
				return errdefs.Validationf("%s expects a list of filters", opAnd)
			}
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if !ok {
					return errdefs.Validationf("%s expects a list of filters", opAnd)
				}
				if err := f.parse(sub); err != nil {
					return err
				}
			}
		case strings.HasPrefix(key, "$"):
			return errdefs.Validationf("unsupported filter operator %q", key)
		default:
			if err := f.parseField(key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Filter) parseField(field string, val any) error {
	if val == nil {
		return errdefs.Validationf("filter value for %q must not be null", field)
	}
	ops, ok := val.(map[string]any)
	if !ok {
		f.Conditions = append(f.Conditions, Condition{Field: field, Op: OpEq, Value: normalize(val)})
		return nil
	}
	if len(ops) == 0 {
		return errdefs.Validationf("filter for %q has no operator", field)
	}
	for _, name := range sortedKeys(ops) {
		operand := ops[name]
		c := Condition{Field: field, Op: Op(name)}
		switch c.Op {
		case OpEq, OpNe:
			if operand == nil {
				return errdefs.Validationf("%s on %q must not be null", name, field)
			}
			c.Value = normalize(operand)
		case OpGt, OpGte, OpLt, OpLte:
			n, ok := Number(operand)
			if !ok {
				return errdefs.Validationf("%s on %q expects a number, got %T", name, field, operand)
			}
			c.Value = n
		case OpIn, OpNin:
			list, ok := operand.([]any)
			if !ok {
				return errdefs.Validationf("%s on %q expects a list", name, field)
			}
			for _, v := range list {
				c.Values = append(c.Values, normalize(v))
			}
		default:
			return errdefs.Validationf("unsupported filter operator %q on %q", name, field)
		}
		f.Conditions = append(f.Conditions, c)
	}
	return nil
}

// Match reports whether metadata satisfies every condition. A record that
// lacks a field never satisfies a condition on it.
func (f *Filter) Match(metadata map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Conditions {
		if !c.Match(metadata) {
			return false
		}
	}
	return true
}

// Empty reports whether the filter restricts nothing.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Conditions) == 0
}

// Match evaluates c against metadata.
func (c Condition) Match(metadata map[string]any) bool {
	v, ok := metadata[c.Field]
	if !ok || v == nil {
		return false
	}
	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpIn:
		return slices.ContainsFunc(c.Values, func(x any) bool { return equal(v, x) })
	case OpNin:
		return !slices.ContainsFunc(c.Values, func(x any) bool { return equal(v, x) })
	}
	n, ok := Number(v)
	if !ok {
		return false
	}
	bound := c.Value.(float64)
	switch c.Op {
	case OpGt:
		return n > bound
	case OpGte:
		return n >= bound
	case OpLt:
		return n < bound
	case OpLte:
		return n <= bound
	}
	return false
}

func (c Condition) String() string {
	if c.Values != nil {
		return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Values)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Number converts a numeric metadata value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := Number(a); ok {
		y, ok := Number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(normalize(a), b)
}

// normalize maps numbers to float64 and typed slices and maps to their
// generic JSON forms, so values compare the same after a storage round trip.
func normalize(v any) any {
	if n, ok := Number(v); ok {
		return n
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
