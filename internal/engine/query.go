package engine

import (
	"fmt"
	"strings"

	"studio-backend/internal/store"
)

// Query is a filter/join plan for one listing or lookup. It accumulates
// joins and predicates; SQL is rendered afterwards by BuildSelectSQL and
// BuildCountSQL so the count query is always an exact clone of the filtered
// plan without pagination.
type Query struct {
	Table       string
	SelectExprs []string
	Joins       []string
	Conds       []Cond
}

type condKind int

const (
	condEq condKind = iota
	condIn
	condLike
	condOrLike
	condNone // matches nothing; used for empty assigned-id sets
)

type Cond struct {
	kind    condKind
	column  string
	value   any
	values  []any
	columns []string // for condOrLike
}

// NewQuery starts a plan over the given base table selecting table.*.
func NewQuery(table string) *Query {
	return &Query{
		Table:       table,
		SelectExprs: []string{table + ".*"},
	}
}

// Select replaces the column selection.
func (q *Query) Select(exprs ...string) *Query {
	q.SelectExprs = exprs
	return q
}

// Join appends a rendered join clause, e.g.
// "LEFT JOIN roles r ON r.id = users.role_id".
func (q *Query) Join(joins ...string) *Query {
	q.Joins = append(q.Joins, joins...)
	return q
}

// Where appends an equality predicate.
func (q *Query) Where(column string, value any) *Query {
	q.Conds = append(q.Conds, Cond{kind: condEq, column: column, value: value})
	return q
}

// WhereIn appends a set-membership predicate. An empty set matches nothing.
func (q *Query) WhereIn(column string, values []any) *Query {
	if len(values) == 0 {
		q.Conds = append(q.Conds, Cond{kind: condNone})
		return q
	}
	q.Conds = append(q.Conds, Cond{kind: condIn, column: column, values: values})
	return q
}

// WhereLike appends a pattern predicate against a single expression.
func (q *Query) WhereLike(expr, term string) *Query {
	q.Conds = append(q.Conds, Cond{kind: condLike, column: expr, value: likePattern(term)})
	return q
}

// Search appends one OR'd LIKE predicate across the given columns. A blank
// term is a no-op.
func (q *Query) Search(columns []string, term string) *Query {
	if strings.TrimSpace(term) == "" || len(columns) == 0 {
		return q
	}
	q.Conds = append(q.Conds, Cond{kind: condOrLike, columns: columns, value: likePattern(term)})
	return q
}

func likePattern(term string) string {
	return "%" + strings.TrimSpace(term) + "%"
}

// BuildSelectSQL renders the paginated data query.
func BuildSelectSQL(d store.Dialect, q *Query, orderBy string, limit, offset int) (string, []any) {
	pb := d.NewParamBuilder()

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(q.SelectExprs, ", "), q.Table)
	for _, j := range q.Joins {
		sql += " " + j
	}
	if where := renderWhere(d, pb, q.Conds); where != "" {
		sql += " WHERE " + where
	}
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %s OFFSET %s", pb.Add(limit), pb.Add(offset))
	}
	return sql, pb.Params()
}

// BuildCountSQL renders the count query over the same joins and predicates,
// without pagination.
func BuildCountSQL(d store.Dialect, q *Query) (string, []any) {
	pb := d.NewParamBuilder()

	sql := fmt.Sprintf("SELECT COUNT(*) AS total FROM %s", q.Table)
	for _, j := range q.Joins {
		sql += " " + j
	}
	if where := renderWhere(d, pb, q.Conds); where != "" {
		sql += " WHERE " + where
	}
	return sql, pb.Params()
}

func renderWhere(d store.Dialect, pb store.ParamBuilder, conds []Cond) string {
	var parts []string
	for _, c := range conds {
		switch c.kind {
		case condEq:
			parts = append(parts, fmt.Sprintf("%s = %s", c.column, pb.Add(c.value)))
		case condIn:
			parts = append(parts, d.InExpr(c.column, pb, c.values))
		case condLike:
			parts = append(parts, fmt.Sprintf("%s %s %s", c.column, d.LikeOp(), pb.Add(c.value)))
		case condOrLike:
			var ors []string
			for _, col := range c.columns {
				ors = append(ors, fmt.Sprintf("%s %s %s", col, d.LikeOp(), pb.Add(c.value)))
			}
			parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		case condNone:
			parts = append(parts, "1 = 0")
		}
	}
	return strings.Join(parts, " AND ")
}

// CoerceFilterValue converts the literal strings "true"/"false" to booleans;
// anything else passes through unchanged.
func CoerceFilterValue(val string) any {
	switch val {
	case "true":
		return true
	case "false":
		return false
	default:
		return val
	}
}
