package qdrant

import (
	"fmt"

	"github.com/efebarandurmaz/docvault/internal/vector"
	pb "github.com/qdrant/go-client/qdrant"
)

// translateFilter converts f into a server-side filter. exact is false when
// some condition has no Qdrant equivalent; the caller must then re-check
// every hit locally. The returned filter is still a sound pre-filter.
func translateFilter(f *vector.Filter) (pf *pb.Filter, exact bool) {
	if f.Empty() {
		return nil, true
	}
	pf = &pb.Filter{}
	exact = true
	for _, c := range f.Conditions {
		key := payloadMetadata + "." + c.Field
		must, mustNot, ok := translateCondition(key, c)
		if !ok {
			exact = false
			// Presence is still required for every operator.
			pf.MustNot = append(pf.MustNot, isEmpty(key))
			continue
		}
		pf.Must = append(pf.Must, must...)
		pf.MustNot = append(pf.MustNot, mustNot...)
	}
	return pf, exact
}

func translateCondition(key string, c vector.Condition) (must, mustNot []*pb.Condition, ok bool) {
	switch c.Op {
	case vector.OpEq:
		cond, ok := equalCondition(key, c.Value)
		return []*pb.Condition{cond}, nil, ok
	case vector.OpNe:
		cond, ok := equalCondition(key, c.Value)
		return nil, []*pb.Condition{cond, isEmpty(key)}, ok
	case vector.OpIn:
		cond, ok := anyCondition(key, c.Values)
		return []*pb.Condition{cond}, nil, ok
	case vector.OpNin:
		if len(c.Values) == 0 {
			return nil, []*pb.Condition{isEmpty(key)}, true
		}
		cond, ok := anyCondition(key, c.Values)
		return nil, []*pb.Condition{cond, isEmpty(key)}, ok
	case vector.OpGt, vector.OpGte, vector.OpLt, vector.OpLte:
		n, isNum := vector.Number(c.Value)
		if !isNum {
			return nil, nil, false
		}
		r := &pb.Range{}
		switch c.Op {
		case vector.OpGt:
			r.Gt = &n
		case vector.OpGte:
			r.Gte = &n
		case vector.OpLt:
			r.Lt = &n
		case vector.OpLte:
			r.Lte = &n
		}
		return []*pb.Condition{field(&pb.FieldCondition{Key: key, Range: r})}, nil, true
	}
	return nil, nil, false
}

func equalCondition(key string, v any) (*pb.Condition, bool) {
	switch t := v.(type) {
	case string:
		return field(&pb.FieldCondition{Key: key, Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: t}}}), true
	case bool:
		return field(&pb.FieldCondition{Key: key, Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: t}}}), true
	}
	if n, ok := vector.Number(v); ok {
		return field(&pb.FieldCondition{Key: key, Range: &pb.Range{Gte: &n, Lte: &n}}), true
	}
	return nil, false
}

// anyCondition matches any of values. Only homogeneous string lists and
// integral number lists have a native form.
func anyCondition(key string, values []any) (*pb.Condition, bool) {
	if len(values) == 0 {
		return nil, false
	}
	strs := make([]string, 0, len(values))
	ints := make([]int64, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
			continue
		}
		if n, ok := vector.Number(v); ok && isIntegral(n) {
			ints = append(ints, int64(n))
			continue
		}
		return nil, false
	}
	switch {
	case len(strs) == len(values):
		return keywordsCondition(key, strs), true
	case len(ints) == len(values):
		return field(&pb.FieldCondition{Key: key, Match: &pb.Match{MatchValue: &pb.Match_Integers{
			Integers: &pb.RepeatedIntegers{Integers: ints},
		}}}), true
	}
	return nil, false
}

func keywordsCondition(key string, values []string) *pb.Condition {
	return field(&pb.FieldCondition{Key: key, Match: &pb.Match{MatchValue: &pb.Match_Keywords{
		Keywords: &pb.RepeatedStrings{Strings: values},
	}}})
}

func field(fc *pb.FieldCondition) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: fc}}
}

func isEmpty(key string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_IsEmpty{IsEmpty: &pb.IsEmptyCondition{Key: key}}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// toValue converts decoded JSON-like data into a payload value. Integral
// numbers are stored as integers so integer matches apply to them.
func toValue(v any) *pb.Value {
	switch t := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return stringValue(t)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: t}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(t))
		for k, fv := range t {
			fields[k] = toValue(fv)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	case []any:
		list := make([]*pb.Value, len(t))
		for i, lv := range t {
			list[i] = toValue(lv)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	case []string:
		list := make([]*pb.Value, len(t))
		for i, s := range t {
			list[i] = stringValue(s)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	}
	if n, ok := vector.Number(v); ok {
		if isIntegral(n) {
			return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}}
		}
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: n}}
	}
	return stringValue(fmt.Sprint(v))
}

// fromValue is the inverse of toValue. Numbers come back as float64 to match
// what a JSON decode of the same metadata yields.
func fromValue(v *pb.Value) any {
	if v == nil {
		return nil
	}
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return float64(k.IntegerValue)
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for name, fv := range k.StructValue.GetFields() {
			out[name] = fromValue(fv)
		}
		return out
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, lv := range k.ListValue.GetValues() {
			out[i] = fromValue(lv)
		}
		return out
	}
	return nil
}
