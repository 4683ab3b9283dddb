package streamproc

import (
	"sort"
	"strconv"

	"github.com/wisp-sync/wisp/internal/planner"
)

// Row is a single record's field set plus its table-qualified id.
type Row struct {
	Table   string
	ID      string
	Version uint64
	Fields  map[string]any
}

// scan returns every row currently stored for table, in no particular
// order — the leaf of every operator tree.
func scan(rows map[string]Row, table string) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.Table == table {
			out = append(out, r)
		}
	}
	return out
}

// selection filters rows by a planner.Expr, with params supplying the
// bound values for $name placeholders.
func selection(in []Row, expr planner.Expr, params map[string]any) []Row {
	if expr == nil {
		return in
	}
	out := make([]Row, 0, len(in))
	for _, r := range in {
		if evalExpr(expr, r, params) {
			out = append(out, r)
		}
	}
	return out
}

func evalExpr(expr planner.Expr, r Row, params map[string]any) bool {
	switch n := expr.(type) {
	case *planner.AndExpr:
		return evalExpr(n.Left, r, params) && evalExpr(n.Right, r, params)
	case *planner.OrExpr:
		return evalExpr(n.Left, r, params) || evalExpr(n.Right, r, params)
	case *planner.NotExpr:
		return !evalExpr(n.Operand, r, params)
	case *planner.ComparisonExpr:
		return evalComparison(n, r, params)
	default:
		return false
	}
}

func evalComparison(n *planner.ComparisonExpr, r Row, params map[string]any) bool {
	var lhs any
	if n.Field == "id" {
		lhs = r.ID
	} else {
		lhs = r.Fields[n.Field]
	}

	rhs := resolveValue(n.Value, params)
	cmp, ok := compare(lhs, rhs)
	if !ok {
		return false
	}

	switch n.Op {
	case planner.OpEquals:
		return cmp == 0
	case planner.OpNotEquals:
		return cmp != 0
	case planner.OpLess:
		return cmp < 0
	case planner.OpLessEq:
		return cmp <= 0
	case planner.OpGreater:
		return cmp > 0
	case planner.OpGreaterEq:
		return cmp >= 0
	default:
		return false
	}
}

func resolveValue(v planner.Value, params map[string]any) any {
	switch v.Kind {
	case planner.TokenParam:
		return params[v.Raw]
	case planner.TokenNumber:
		if f, err := strconv.ParseFloat(v.Raw, 64); err == nil {
			return f
		}
		return v.Raw
	default:
		return v.Raw
	}
}

// compare orders two dynamically-typed values, promoting both sides to
// float64 when they're both numeric-looking, falling back to string
// comparison otherwise. The bool return is false when the two values
// are incomparable (nil lhs from a missing field, for instance).
func compare(lhs, rhs any) (int, bool) {
	if lhs == nil {
		return 0, false
	}
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if lok && rok {
		switch {
		case lf < rf:
			return -1, true
		case lf > rf:
			return 1, true
		default:
			return 0, true
		}
	}

	ls, rs := toString(lhs), toString(rhs)
	switch {
	case ls < rs:
		return -1, true
	case ls > rs:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.FormatFloat(func() float64 { f, _ := toFloat(v); return f }(), 'f', -1, 64)
}

// projection narrows each row's Fields to the named set; an empty
// fields list ("SELECT *") is a no-op.
func projection(in []Row, fields []string) []Row {
	if len(fields) == 0 {
		return in
	}
	out := make([]Row, len(in))
	for i, r := range in {
		narrowed := make(map[string]any, len(fields))
		for _, f := range fields {
			if f == "id" {
				continue
			}
			if v, ok := r.Fields[f]; ok {
				narrowed[f] = v
			}
		}
		out[i] = Row{Table: r.Table, ID: r.ID, Version: r.Version, Fields: narrowed}
	}
	return out
}

// orderBy sorts rows by the plan's sort keys, id as the final
// deterministic tiebreaker so repeated executions produce a stable
// order even when every declared key compares equal.
func orderBy(in []Row, keys []planner.SortKey) []Row {
	out := make([]Row, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			var a, b any
			if k.Field == "id" {
				a, b = out[i].ID, out[j].ID
			} else {
				a, b = out[i].Fields[k.Field], out[j].Fields[k.Field]
			}
			c, ok := compare(a, b)
			if !ok || c == 0 {
				continue
			}
			if k.Direction == planner.Descending {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// limitOffset applies LIMIT/OFFSET, matching SQL semantics: offset
// first, then limit the remainder.
func limitOffset(in []Row, offset int, hasOffset bool, limit int, hasLimit bool) []Row {
	out := in
	if hasOffset {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if hasLimit && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// equiJoin matches left rows against right rows sharing the same
// value for leftField/rightField. The parsed SurQL grammar has no join
// or subquery syntax, so no Plan reaches this; callers needing a join
// express it by calling Join directly against two already-executed row
// sets.
func equiJoin(left, right []Row, leftField, rightField string) []Row {
	index := make(map[string][]Row, len(right))
	for _, r := range right {
		key := fieldValue(r, rightField)
		index[key] = append(index[key], r)
	}

	var out []Row
	for _, l := range left {
		key := fieldValue(l, leftField)
		for _, r := range index[key] {
			merged := Row{Table: l.Table, ID: l.ID, Version: l.Version, Fields: make(map[string]any, len(l.Fields)+len(r.Fields))}
			for k, v := range l.Fields {
				merged.Fields[k] = v
			}
			for k, v := range r.Fields {
				merged.Fields[r.Table+"."+k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}

func fieldValue(r Row, field string) string {
	if field == "id" {
		return r.ID
	}
	return toString(r.Fields[field])
}
