package pgvector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/lib/pq"
)

// buildSearch renders the ranked similarity query. Zero-norm vectors make
// <=> return NaN; they are ranked at distance 1 like the in-process index.
func buildSearch(collection string, q vector.Query) (string, []any) {
	args := []any{collection, toVectorLiteral(q.Vector)}
	where := []string{"collection = $1"}
	if !q.Filter.Empty() {
		for _, c := range q.Filter.Conditions {
			clause, cargs := conditionSQL(c, len(args)+1)
			where = append(where, clause)
			args = append(args, cargs...)
		}
	}
	args = append(args, q.K)
	query := fmt.Sprintf(`
SELECT key, identity, content, metadata, dist FROM (
  SELECT key, identity, seq, content, metadata,
    CASE WHEN raw = 'NaN'::float8 THEN 1 ELSE raw END AS dist
  FROM (
    SELECT key, identity, seq, content, metadata, (embedding <=> $2::vector) AS raw
    FROM docvault_records
    WHERE %s
  ) scored
) ranked
ORDER BY dist, seq
LIMIT $%d`, strings.Join(where, " AND "), len(args))
	return query, args
}

// conditionSQL translates one condition into a predicate over the jsonb
// metadata column. next is the first free placeholder index. A missing or
// null field never satisfies a predicate.
func conditionSQL(c vector.Condition, next int) (string, []any) {
	field := fmt.Sprintf("$%d", next)
	val := fmt.Sprintf("$%d", next+1)
	present := fmt.Sprintf("jsonb_typeof(metadata -> %s) IS DISTINCT FROM 'null'", field)
	present = fmt.Sprintf("(metadata ? %s AND %s)", field, present)

	switch c.Op {
	case vector.OpEq:
		return fmt.Sprintf("(metadata -> %s = %s::jsonb)", field, val), []any{c.Field, jsonText(c.Value)}
	case vector.OpNe:
		return fmt.Sprintf("(%s AND metadata -> %s <> %s::jsonb)", present, field, val), []any{c.Field, jsonText(c.Value)}
	case vector.OpIn:
		return fmt.Sprintf("(metadata -> %s = ANY(%s::jsonb[]))", field, val), []any{c.Field, jsonArray(c.Values)}
	case vector.OpNin:
		return fmt.Sprintf("(%s AND NOT (metadata -> %s = ANY(%s::jsonb[])))", present, field, val), []any{c.Field, jsonArray(c.Values)}
	}
	op := map[vector.Op]string{vector.OpGt: ">", vector.OpGte: ">=", vector.OpLt: "<", vector.OpLte: "<="}[c.Op]
	return fmt.Sprintf("(CASE WHEN jsonb_typeof(metadata -> %s) = 'number' THEN (metadata ->> %s)::float8 %s %s ELSE false END)",
		field, field, op, val), []any{c.Field, c.Value}
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonArray(values []any) any {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = jsonText(v)
	}
	return pq.Array(out)
}
