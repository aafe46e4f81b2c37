package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"studio-backend/internal/config"
	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

// newTestStore opens an isolated in-memory SQLite database and bootstraps the
// full system schema and seed data.
func newTestStore(t *testing.T, name string) *store.Store {
	t.Helper()
	st, err := store.New(context.Background(), config.DatabaseConfig{Driver: "sqlite", Name: name})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return st
}

func mustExec(t *testing.T, st *store.Store, sqlStr string, args ...any) {
	t.Helper()
	if _, err := st.DB.ExecContext(context.Background(), sqlStr, args...); err != nil {
		t.Fatalf("exec %q: %v", sqlStr, err)
	}
}

func moduleID(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	row, err := store.QueryRow(context.Background(), st.DB, "SELECT id FROM modules WHERE name = ?", name)
	if err != nil {
		t.Fatalf("module %s: %v", name, err)
	}
	return int64From(row["id"])
}

// seedStudentFields attaches a block with a select and a textarea field to
// the students module.
func seedStudentFields(t *testing.T, st *store.Store) {
	t.Helper()
	mid := moduleID(t, st, "students")
	mustExec(t, st, "INSERT INTO blocks (module_id, name, order_num) VALUES (?, ?, ?)", mid, "Details", 0)

	row, err := store.QueryRow(context.Background(), st.DB,
		"SELECT id FROM blocks WHERE module_id = ? AND name = ?", mid, "Details")
	if err != nil {
		t.Fatalf("block lookup: %v", err)
	}
	blockID := int64From(row["id"])

	mustExec(t, st, `INSERT INTO fields (block_id, name, label, type, required, options, order_sequence)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		blockID, "cf_1", "Level", "select", 1, `["Basic","Advanced"]`, 0)
	mustExec(t, st, `INSERT INTO fields (block_id, name, label, type, required, order_sequence)
VALUES (?, ?, ?, ?, ?, ?)`,
		blockID, "cf_2", "Notes", "textarea", 0, 1)
}

var studentDesc = Descriptor{
	Entity:       "students",
	Table:        "students",
	Columns:      []string{"first_name", "last_name", "email", "phone", "user_id", "active"},
	SearchFields: []string{"students.first_name", "students.last_name"},
	BoolFields:   []string{"active"},
}

func TestRepository_CreateReadRoundTrip(t *testing.T) {
	st := newTestStore(t, "repo_roundtrip")
	seedStudentFields(t, st)
	repo := NewRegistry().Register(st, schema.NewService(st), studentDesc)

	rec, err := repo.Create(context.Background(), map[string]any{
		"first_name": "Ana",
		"last_name":  "Diaz",
		"cf_1":       "Basic",
		"cf_2":       42,
		"mystery":    "ignored",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec["first_name"] != "Ana" {
		t.Fatalf("expected base column persisted, got %v", rec["first_name"])
	}
	if rec["cf_1"] != "Basic" {
		t.Fatalf("expected dynamic value merged, got %v", rec["cf_1"])
	}
	// Attribute values are text cells; non-string payloads come back as their
	// text rendering.
	if rec["cf_2"] != "42" {
		t.Fatalf("expected serialized number %q, got %v (%T)", "42", rec["cf_2"], rec["cf_2"])
	}
	if _, leaked := rec["mystery"]; leaked {
		t.Fatal("unknown payload key must be skipped, not persisted")
	}
	if rec["active"] != true {
		t.Fatalf("expected bool normalization for active, got %v (%T)", rec["active"], rec["active"])
	}

	got, err := repo.FindByID(context.Background(), int64From(rec["id"]))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["cf_1"] != "Basic" || got["first_name"] != "Ana" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestRepository_PartialUpdateKeepsOtherValues(t *testing.T) {
	st := newTestStore(t, "repo_update")
	seedStudentFields(t, st)
	repo := NewRegistry().Register(st, schema.NewService(st), studentDesc)

	rec, err := repo.Create(context.Background(), map[string]any{
		"first_name": "Ana", "last_name": "Diaz", "cf_1": "Basic", "cf_2": "keeps dancing",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := int64From(rec["id"])

	updated, err := repo.Update(context.Background(), id, map[string]any{"cf_1": "Advanced"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["cf_1"] != "Advanced" {
		t.Fatalf("expected upserted value, got %v", updated["cf_1"])
	}
	if updated["cf_2"] != "keeps dancing" {
		t.Fatalf("untouched attribute must survive, got %v", updated["cf_2"])
	}
	if updated["first_name"] != "Ana" {
		t.Fatalf("untouched base column must survive, got %v", updated["first_name"])
	}

	if _, err := repo.Update(context.Background(), 9999, map[string]any{"cf_1": "Basic"}); err == nil {
		t.Fatal("expected NOT_FOUND for missing record")
	} else if appErrCode(t, err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRepository_ListMergesValuesAndFilters(t *testing.T) {
	st := newTestStore(t, "repo_list")
	seedStudentFields(t, st)
	repo := NewRegistry().Register(st, schema.NewService(st), studentDesc)

	for _, s := range []map[string]any{
		{"first_name": "Ana", "last_name": "Diaz", "cf_1": "Basic"},
		{"first_name": "Leo", "last_name": "Mora", "cf_1": "Advanced"},
	} {
		if _, err := repo.Create(context.Background(), s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	result, err := repo.FindAll(context.Background(), ListParams{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.Total != 2 || len(result.Data) != 2 {
		t.Fatalf("expected 2 rows, got total=%d len=%d", result.Total, len(result.Data))
	}
	if result.Data[0]["cf_1"] != "Basic" || result.Data[1]["cf_1"] != "Advanced" {
		t.Fatalf("expected merged attribute values, got %v", result.Data)
	}

	result, err = repo.FindAll(context.Background(), ListParams{
		Page: 1, Limit: 10, Filters: map[string]string{"first_name": "Leo"},
	})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if result.Total != 1 || result.Data[0]["first_name"] != "Leo" {
		t.Fatalf("expected filter on base column, got %+v", result)
	}

	result, err = repo.FindAll(context.Background(), ListParams{Page: 1, Limit: 10, Search: "mor"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Total != 1 || result.Data[0]["last_name"] != "Mora" {
		t.Fatalf("expected search hit on last_name, got %+v", result)
	}

	result, err = repo.FindAll(context.Background(), ListParams{
		Page: 1, Limit: 10, Filters: map[string]string{"first_name": "Nobody"},
	})
	if err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if result.Data == nil {
		t.Fatal("empty listing must serialize as [], not null")
	}
	if result.Total != 0 {
		t.Fatalf("expected 0 matches, got %d", result.Total)
	}
}

func TestRepository_DeleteRemovesValuesAndRow(t *testing.T) {
	st := newTestStore(t, "repo_delete")
	seedStudentFields(t, st)
	repo := NewRegistry().Register(st, schema.NewService(st), studentDesc)

	rec, err := repo.Create(context.Background(), map[string]any{
		"first_name": "Ana", "last_name": "Diaz", "cf_1": "Basic",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := int64From(rec["id"])

	if err := repo.Delete(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	row, err := store.QueryRow(context.Background(), st.DB,
		"SELECT COUNT(*) AS n FROM field_values WHERE record_id = ?", id)
	if err != nil {
		t.Fatalf("count values: %v", err)
	}
	if int64From(row["n"]) != 0 {
		t.Fatalf("expected orphaned values removed, found %v", row["n"])
	}

	if _, err := repo.FindByID(context.Background(), id); appErrCode(t, err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND after delete, got %v", err)
	}
	if err := repo.Delete(context.Background(), id); appErrCode(t, err) != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND on second delete, got %v", err)
	}
}

// Writes resolve the schema through their own transaction. With the pool
// capped at one connection (the SQLite store), resolving through the pool
// mid-transaction would block forever, so each write here runs under a
// watchdog and starts from a cold cache.
func TestRepository_WritesResolveSchemaInsideTheTransaction(t *testing.T) {
	st := newTestStore(t, "repo_coldcache")
	seedStudentFields(t, st)
	svc := schema.NewService(st)
	repo := NewRegistry().Register(st, svc, studentDesc)

	await := func(op string, fn func() error) {
		t.Helper()
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("%s: %v", op, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("%s did not complete: schema resolution must reuse the write transaction's connection", op)
		}
	}

	var id int64
	await("create", func() error {
		rec, err := repo.Create(context.Background(), map[string]any{
			"first_name": "Ana", "last_name": "Diaz", "cf_1": "Basic",
		})
		if err == nil {
			id = int64From(rec["id"])
		}
		return err
	})

	svc.Invalidate()
	await("update", func() error {
		_, err := repo.Update(context.Background(), id, map[string]any{"cf_1": "Advanced"})
		return err
	})

	svc.Invalidate()
	await("delete", func() error {
		return repo.Delete(context.Background(), id)
	})
}

func TestRepository_CreateMapsUniqueViolation(t *testing.T) {
	st := newTestStore(t, "repo_unique")
	repo := NewRegistry().Register(st, schema.NewService(st), Descriptor{
		Entity:  "users",
		Table:   "users",
		Columns: []string{"name", "email", "password_hash", "role_id", "active"},
	})

	// Bootstrap seeds admin@localhost.
	_, err := repo.Create(context.Background(), map[string]any{
		"name": "Impostor", "email": "admin@localhost", "password_hash": "x",
	})
	if !errors.Is(err, store.ErrUniqueViolation) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}
