package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// Option is one selectable choice for a relation-typed field.
type Option struct {
	Value any `json:"value"`
	Label any `json:"label"`
}

const defaultRelationLimit = 20

// ResolveRelation returns the selectable options for a relation config,
// optionally narrowed by a partial search term. The target table must have a
// registered repository; its joins and column mapping translate
// config-declared filter keys (e.g. "role") to joined alias columns.
func (r *Registry) ResolveRelation(ctx context.Context, s *store.Store, cfg *schema.RelationConfig, term string) ([]Option, error) {
	if cfg == nil || cfg.Table == "" {
		return nil, MisconfiguredError("relation field has no relation_config")
	}
	target, err := r.ByTable(cfg.Table)
	if err != nil {
		return nil, MisconfiguredError(fmt.Sprintf("no repository registered for relation table %q", cfg.Table))
	}
	desc := target.Descriptor()

	valueExpr := cfg.ValueField
	if valueExpr == "" {
		valueExpr = cfg.Table + "." + desc.PrimaryKey
	}
	valueKey := columnKey(valueExpr)

	displayExpr := cfg.DisplayField
	if displayExpr == "" {
		return nil, MisconfiguredError(fmt.Sprintf("relation config for %q has no display_field", cfg.Table))
	}
	labelKey := cfg.DisplayAlias
	selectDisplay := displayExpr
	if labelKey == "" {
		if isPlainColumn(displayExpr) {
			labelKey = columnKey(displayExpr)
		} else {
			// Raw SQL expressions (e.g. a full-name concatenation) need a
			// stable output column.
			labelKey = "label"
			selectDisplay = displayExpr + " AS label"
		}
	} else {
		selectDisplay = displayExpr + " AS " + labelKey
	}

	q := NewQuery(cfg.Table).
		Select(valueExpr, selectDisplay).
		Join(desc.Joins...)

	for _, key := range sortedFilterKeys(cfg.Filters) {
		col, ok := desc.ColumnMap[key]
		if !ok {
			col = cfg.Table + "." + key
		}
		q.Where(col, cfg.Filters[key])
	}

	if term != "" && cfg.Searchable {
		q.WhereLike(displayExpr, term)
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultRelationLimit
	}

	sqlStr, params := BuildSelectSQL(s.Dialect, q, displayExpr, limit, 0)
	rows, err := store.QueryRows(ctx, s.DB, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("resolve relation options for %s: %w", cfg.Table, err)
	}

	options := make([]Option, 0, len(rows))
	for _, row := range rows {
		options = append(options, Option{Value: row[valueKey], Label: row[labelKey]})
	}
	return options, nil
}

// columnKey returns the result-set key for a qualified column, i.e. the
// segment after the last dot.
func columnKey(expr string) string {
	if i := strings.LastIndex(expr, "."); i >= 0 {
		return expr[i+1:]
	}
	return expr
}

func isPlainColumn(expr string) bool {
	return !strings.ContainsAny(expr, " (")
}

func sortedFilterKeys(filters map[string]any) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
