package neo4j

import (
	"fmt"
	"math"
	"strings"

	"github.com/efebarandurmaz/docvault/internal/vector"
)

// metaPrefix namespaces metadata properties on a chunk node so caller fields
// never collide with bookkeeping properties.
const metaPrefix = "meta."

// buildSearch renders the exact ranked similarity query. vector.similarity.cosine
// is rescaled from [0, 1] to cosine distance; zero-norm vectors on either side
// rank at distance 1 like the in-process index. Ties keep insertion order.
func buildSearch(collection string, q vector.Query) (string, map[string]any) {
	params := map[string]any{
		"collection": collection,
		"vector":     toFloat64s(q.Vector),
		"zero":       isZero(q.Vector),
		"k":          int64(q.K),
	}
	where := "true"
	if !q.Filter.Empty() {
		clauses := make([]string, len(q.Filter.Conditions))
		for i, c := range q.Filter.Conditions {
			clauses[i] = conditionCypher(c, i, params)
		}
		where = strings.Join(clauses, " AND ")
	}
	cypher := fmt.Sprintf(`
MATCH (n:DocvaultChunk {collection: $collection})
WHERE %s
WITH n, CASE
  WHEN $zero OR n.norm = 0.0 THEN 1.0
  ELSE 2.0 - 2.0 * vector.similarity.cosine(n.embedding, $vector)
END AS dist
RETURN n.key AS key, n.identity AS identity, n.content AS content, n.metadata AS metadata, dist, n.seq AS seq
ORDER BY dist, seq
LIMIT $k`, where)
	return cypher, params
}

// conditionCypher translates condition i into a predicate over its metadata
// property and stores its operands in params. A missing property is null and
// never satisfies a predicate; comparing a non-number with a range operator
// yields null as well.
func conditionCypher(c vector.Condition, i int, params map[string]any) string {
	field := fmt.Sprintf("f%d", i)
	val := fmt.Sprintf("v%d", i)
	params[field] = metaPrefix + c.Field
	prop := fmt.Sprintf("n[$%s]", field)

	switch c.Op {
	case vector.OpEq:
		params[val] = operand(c.Value)
		return fmt.Sprintf("(%s = $%s)", prop, val)
	case vector.OpNe:
		params[val] = operand(c.Value)
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> $%s)", prop, prop, val)
	case vector.OpIn:
		params[val] = operands(c.Values)
		return fmt.Sprintf("(%s IN $%s)", prop, val)
	case vector.OpNin:
		params[val] = operands(c.Values)
		return fmt.Sprintf("(%s IS NOT NULL AND NOT %s IN $%s)", prop, prop, val)
	}
	op := map[vector.Op]string{vector.OpGt: ">", vector.OpGte: ">=", vector.OpLt: "<", vector.OpLte: "<="}[c.Op]
	params[val] = c.Value
	return fmt.Sprintf("(%s %s $%s)", prop, op, val)
}

func operand(v any) any {
	if pv, ok := propertyValue(v); ok {
		return pv
	}
	return v
}

func operands(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = operand(v)
	}
	return out
}

// propertyValue converts a metadata value to a Neo4j property value. Numbers
// become float64; lists must be non-empty and hold one primitive kind. Maps,
// nulls and mixed lists cannot be stored as properties and are reported false,
// so they stay in the JSON metadata but cannot be filtered on.
func propertyValue(v any) (any, bool) {
	if n, ok := vector.Number(v); ok {
		return n, true
	}
	switch t := v.(type) {
	case string, bool:
		return t, true
	case []string:
		if len(t) == 0 {
			return nil, false
		}
		return t, true
	case []any:
		return homogeneous(t)
	}
	return nil, false
}

func homogeneous(list []any) (any, bool) {
	if len(list) == 0 {
		return nil, false
	}
	switch list[0].(type) {
	case string:
		out := make([]string, len(list))
		for i, x := range list {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	case bool:
		out := make([]bool, len(list))
		for i, x := range list {
			b, ok := x.(bool)
			if !ok {
				return nil, false
			}
			out[i] = b
		}
		return out, true
	}
	out := make([]float64, len(list))
	for i, x := range list {
		n, ok := vector.Number(x)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			f = 0
		}
		out[i] = float64(f)
	}
	return out
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
