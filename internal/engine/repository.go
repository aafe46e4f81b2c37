package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// Repository provides entity-agnostic CRUD and dynamic listing for one
// declared table, merging dynamic attribute values transparently. One
// implementation serves every registered entity.
type Repository struct {
	store   *store.Store
	schemas *schema.Service
	desc    Descriptor
}

type ListParams struct {
	Page    int
	Limit   int
	Search  string
	Filters map[string]string
}

type ListResult struct {
	Data  []map[string]any `json:"data"`
	Total int64            `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

// Descriptor returns the entity declaration this repository serves.
func (r *Repository) Descriptor() Descriptor { return r.desc }

// Store exposes the underlying store so callers can group repository
// primitives in one transaction via store.WithTx.
func (r *Repository) Store() *store.Store { return r.store }

// ListQuery builds the filter plan for a listing: declared joins, column
// selection, the OR'd LIKE search and one equality predicate per filter key.
// Filter keys pass through open-world: a key without a ColumnMap entry is
// applied as table.<key>, so callers must allow-list client-supplied keys
// upstream.
func (r *Repository) ListQuery(params ListParams) *Query {
	q := NewQuery(r.desc.Table)
	if len(r.desc.SelectExprs) > 0 {
		q.Select(r.desc.SelectExprs...)
	}
	q.Join(r.desc.Joins...)
	q.Search(r.desc.SearchFields, params.Search)

	keys := make([]string, 0, len(params.Filters))
	for k := range params.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Where(r.filterColumn(k), CoerceFilterValue(params.Filters[k]))
	}
	return q
}

func (r *Repository) filterColumn(key string) string {
	if col, ok := r.desc.ColumnMap[key]; ok {
		return col
	}
	if strings.Contains(key, ".") {
		return key
	}
	return r.desc.Table + "." + key
}

// RunList executes a built (and possibly scope-filtered) plan: the paginated
// data query, a cloned count query, then the dynamic attribute merge.
func (r *Repository) RunList(ctx context.Context, q *Query, page, limit int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	orderBy := r.desc.Table + "." + r.desc.PrimaryKey
	sqlStr, params := BuildSelectSQL(r.store.Dialect, q, orderBy, limit, (page-1)*limit)
	rows, err := store.QueryRows(ctx, r.store.DB, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.desc.Entity, err)
	}
	r.normalizeBooleans(rows)

	countStr, countParams := BuildCountSQL(r.store.Dialect, q)
	countRow, err := store.QueryRow(ctx, r.store.DB, countStr, countParams...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", r.desc.Entity, err)
	}

	if err := r.attachValues(ctx, r.store.DB, rows); err != nil {
		return nil, err
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	return &ListResult{
		Data:  rows,
		Total: int64From(countRow["total"]),
		Page:  page,
		Limit: limit,
	}, nil
}

// FindAll is ListQuery + RunList without scope filtering.
func (r *Repository) FindAll(ctx context.Context, params ListParams) (*ListResult, error) {
	return r.RunList(ctx, r.ListQuery(params), params.Page, params.Limit)
}

// FindByID fetches the base row and merges every stored dynamic attribute
// value onto it.
func (r *Repository) FindByID(ctx context.Context, id int64) (map[string]any, error) {
	row, err := r.fetchBase(ctx, r.store.DB, id)
	if err != nil {
		return nil, err
	}
	rows := []map[string]any{row}
	if err := r.attachValues(ctx, r.store.DB, rows); err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (r *Repository) fetchBase(ctx context.Context, q store.Querier, id int64) (map[string]any, error) {
	pb := r.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s.* FROM %s WHERE %s.%s = %s",
		r.desc.Table, r.desc.Table, r.desc.Table, r.desc.PrimaryKey, pb.Add(id))
	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(r.desc.Entity, id)
		}
		return nil, fmt.Errorf("fetch %s/%d: %w", r.desc.Entity, id, err)
	}
	rows := []map[string]any{row}
	r.normalizeBooleans(rows)
	return rows[0], nil
}

// Create validates nothing itself; callers validate first. The base-column
// insert and every attribute upsert run in one transaction.
func (r *Repository) Create(ctx context.Context, data map[string]any) (map[string]any, error) {
	var id int64
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = r.CreateIn(ctx, tx, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// CreateIn runs the create against a caller-supplied transaction scope.
func (r *Repository) CreateIn(ctx context.Context, q store.Querier, data map[string]any) (int64, error) {
	resolved, err := r.resolveSchema(ctx, q)
	if err != nil {
		return 0, err
	}
	fixed, dynamic := r.partition(resolved, data)

	id, err := r.insertBase(ctx, q, fixed)
	if err != nil {
		return 0, err
	}
	if err := r.upsertValues(ctx, q, id, dynamic); err != nil {
		return 0, err
	}
	return id, nil
}

// Update writes changed base columns and upserts supplied attributes in one
// transaction. Fails with NOT_FOUND if the base row is absent.
func (r *Repository) Update(ctx context.Context, id int64, data map[string]any) (map[string]any, error) {
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateIn(ctx, tx, id, data)
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// UpdateIn runs the update against a caller-supplied transaction scope.
func (r *Repository) UpdateIn(ctx context.Context, q store.Querier, id int64, data map[string]any) error {
	if _, err := r.fetchBase(ctx, q, id); err != nil {
		return err
	}

	resolved, err := r.resolveSchema(ctx, q)
	if err != nil {
		return err
	}
	fixed, dynamic := r.partition(resolved, data)

	if len(fixed) > 0 {
		if err := r.updateBase(ctx, q, id, fixed); err != nil {
			return err
		}
	}
	return r.upsertValues(ctx, q, id, dynamic)
}

// Delete removes the record's attribute values and base row atomically; if
// the base row is absent the value deletion rolls back too.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return r.DeleteIn(ctx, tx, id)
	})
}

// DeleteIn runs the delete against a caller-supplied transaction scope.
func (r *Repository) DeleteIn(ctx context.Context, q store.Querier, id int64) error {
	resolved, err := r.resolveSchema(ctx, q)
	if err != nil {
		return err
	}

	if fieldIDs := fieldIDList(resolved); len(fieldIDs) > 0 {
		pb := r.store.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("DELETE FROM field_values WHERE record_id = %s AND %s",
			pb.Add(id), r.store.Dialect.InExpr("field_id", pb, fieldIDs))
		if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("delete values for %s/%d: %w", r.desc.Entity, id, err)
		}
	}

	pb := r.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		r.desc.Table, r.desc.PrimaryKey, pb.Add(id))
	affected, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", r.desc.Entity, id, err)
	}
	if affected == 0 {
		return NotFoundError(r.desc.Entity, id)
	}
	return nil
}

// resolveSchema loads the module's dynamic schema through the caller's
// querier. Inside a write transaction that querier is the transaction itself:
// resolving through the pool there would wait on a connection the transaction
// already holds (a guaranteed deadlock on the single-connection SQLite pool).
// A module row may not exist for auxiliary entities; that just means no
// dynamic attributes.
func (r *Repository) resolveSchema(ctx context.Context, q store.Querier) (*schema.Resolved, error) {
	resolved, err := r.schemas.ResolveByNameIn(ctx, q, r.desc.Module)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &schema.Resolved{}, nil
		}
		return nil, fmt.Errorf("resolve schema for %s: %w", r.desc.Module, err)
	}
	return resolved, nil
}

// partition splits a payload into fixed base columns and dynamic attributes
// by consulting the declared columns and the resolved schema. Keys that match
// neither are skipped silently: late-added fields must not break writers.
func (r *Repository) partition(resolved *schema.Resolved, data map[string]any) (map[string]any, map[int64]string) {
	fixed := make(map[string]any)
	dynamic := make(map[int64]string)

	for key, val := range data {
		if key == r.desc.PrimaryKey {
			continue
		}
		if r.isColumn(key) {
			fixed[key] = val
			continue
		}
		if f := resolved.FieldByName(key); f != nil {
			dynamic[f.ID] = serializeValue(val)
		}
	}
	return fixed, dynamic
}

func (r *Repository) isColumn(key string) bool {
	for _, c := range r.desc.Columns {
		if c == key {
			return true
		}
	}
	return false
}

func (r *Repository) insertBase(ctx context.Context, q store.Querier, fixed map[string]any) (int64, error) {
	d := r.store.Dialect
	var sqlStr string
	pb := d.NewParamBuilder()

	if len(fixed) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", r.desc.Table, r.desc.PrimaryKey)
	} else {
		keys := sortedKeys(fixed)
		placeholders := make([]string, len(keys))
		for i, k := range keys {
			placeholders[i] = pb.Add(fixed[k])
		}
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			r.desc.Table, strings.Join(keys, ", "), strings.Join(placeholders, ", "), r.desc.PrimaryKey)
	}

	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", r.desc.Entity, store.MapError(d, err))
	}
	return int64From(row[r.desc.PrimaryKey]), nil
}

func (r *Repository) updateBase(ctx context.Context, q store.Querier, id int64, fixed map[string]any) error {
	d := r.store.Dialect
	pb := d.NewParamBuilder()

	keys := sortedKeys(fixed)
	sets := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = %s", k, pb.Add(fixed[k])))
	}
	if r.isColumn("updated_at") {
		if _, supplied := fixed["updated_at"]; !supplied {
			sets = append(sets, "updated_at = "+d.NowExpr())
		}
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		r.desc.Table, strings.Join(sets, ", "), r.desc.PrimaryKey, pb.Add(id))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("update %s/%d: %w", r.desc.Entity, id, store.MapError(d, err))
	}
	return nil
}

// upsertValues writes one value row per supplied attribute, keyed on
// (field_id, record_id). All upserts complete before the call returns.
func (r *Repository) upsertValues(ctx context.Context, q store.Querier, recordID int64, dynamic map[int64]string) error {
	d := r.store.Dialect
	for _, fieldID := range sortedFieldIDs(dynamic) {
		pb := d.NewParamBuilder()
		sqlStr := fmt.Sprintf(`INSERT INTO field_values (field_id, record_id, value, updated_at)
VALUES (%s, %s, %s, %s)
ON CONFLICT (field_id, record_id) DO UPDATE SET value = excluded.value, updated_at = %s`,
			pb.Add(fieldID), pb.Add(recordID), pb.Add(dynamic[fieldID]), d.NowExpr(), d.NowExpr())
		if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("upsert value for field %d record %d: %w", fieldID, recordID, store.MapError(d, err))
		}
	}
	return nil
}

// attachValues merges stored attribute values onto base rows as
// field name -> value.
func (r *Repository) attachValues(ctx context.Context, q store.Querier, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	resolved, err := r.resolveSchema(ctx, q)
	if err != nil {
		return err
	}
	fields := resolved.Fields()
	if len(fields) == 0 {
		return nil
	}

	nameByID := make(map[int64]string, len(fields))
	fieldIDs := make([]any, 0, len(fields))
	for _, f := range fields {
		nameByID[f.ID] = f.Name
		fieldIDs = append(fieldIDs, f.ID)
	}

	recordIDs := make([]any, 0, len(rows))
	for _, row := range rows {
		recordIDs = append(recordIDs, int64From(row[r.desc.PrimaryKey]))
	}

	d := r.store.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT field_id, record_id, value FROM field_values WHERE %s AND %s",
		d.InExpr("record_id", pb, recordIDs), d.InExpr("field_id", pb, fieldIDs))
	valueRows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load values for %s: %w", r.desc.Entity, err)
	}

	byRecord := make(map[int64]map[string]any)
	for _, vr := range valueRows {
		rid := int64From(vr["record_id"])
		name := nameByID[int64From(vr["field_id"])]
		if name == "" {
			continue
		}
		if byRecord[rid] == nil {
			byRecord[rid] = make(map[string]any)
		}
		byRecord[rid][name] = vr["value"]
	}

	for _, row := range rows {
		rid := int64From(row[r.desc.PrimaryKey])
		for name, val := range byRecord[rid] {
			row[name] = val
		}
	}
	return nil
}

func (r *Repository) normalizeBooleans(rows []map[string]any) {
	if r.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, r.desc.BoolFields)
	}
}

// serializeValue renders any payload value as the text cell stored in
// field_values.
func serializeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func fieldIDList(resolved *schema.Resolved) []any {
	fields := resolved.Fields()
	ids := make([]any, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, f.ID)
	}
	return ids
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldIDs(m map[int64]string) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func int64From(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
