package schema

import (
	"context"
	"errors"
	"testing"

	"studio-backend/internal/config"
	"studio-backend/internal/store"
)

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

func insertModule(t *testing.T, st *store.Store, name string, parentID *int64) int64 {
	t.Helper()
	row, err := store.QueryRow(context.Background(), st.DB,
		"INSERT INTO modules (name, has_custom_fields, parent_module_id, active) VALUES (?, 1, ?, 1) RETURNING id",
		name, parentID)
	if err != nil {
		t.Fatalf("insert module %s: %v", name, err)
	}
	return asInt64(row["id"])
}

func insertBlock(t *testing.T, st *store.Store, moduleID int64, name string, order int) int64 {
	t.Helper()
	row, err := store.QueryRow(context.Background(), st.DB,
		"INSERT INTO blocks (module_id, name, order_num) VALUES (?, ?, ?) RETURNING id",
		moduleID, name, order)
	if err != nil {
		t.Fatalf("insert block %s: %v", name, err)
	}
	return asInt64(row["id"])
}

func TestResolve_InheritedBlocksComeFirst(t *testing.T) {
	st := newTestStore(t, "schema_inherit")

	parentID := insertModule(t, st, "people", nil)
	childID := insertModule(t, st, "members", &parentID)

	insertBlock(t, st, parentID, "Contact", 0)
	insertBlock(t, st, childID, "Membership", 0)

	svc := NewService(st)
	resolved, err := svc.Resolve(context.Background(), childID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(resolved.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resolved.Blocks))
	}
	if resolved.Blocks[0].Name != "Contact" || !resolved.Blocks[0].Inherited {
		t.Fatalf("expected inherited parent block first, got %+v", resolved.Blocks[0])
	}
	if resolved.Blocks[1].Name != "Membership" || resolved.Blocks[1].Inherited {
		t.Fatalf("expected own block second, got %+v", resolved.Blocks[1])
	}
}

// On an id collision the inherited copy wins: parents override children.
func TestMergeBlocks_FirstOccurrenceWins(t *testing.T) {
	inherited := []ResolvedBlock{
		{Block: Block{ID: 5, Name: "base"}, Inherited: true},
	}
	own := []Block{
		{ID: 5, Name: "override"},
		{ID: 6, Name: "extra"},
	}

	merged := mergeBlocks(inherited, own)
	if len(merged) != 2 {
		t.Fatalf("expected duplicate id collapsed, got %d blocks", len(merged))
	}
	if merged[0].Name != "base" || !merged[0].Inherited {
		t.Fatalf("expected inherited copy kept, got %+v", merged[0])
	}
	if merged[1].Name != "extra" {
		t.Fatalf("expected remaining own block, got %+v", merged[1])
	}
}

func TestResolve_InheritanceCycleStops(t *testing.T) {
	st := newTestStore(t, "schema_cycle")

	aID := insertModule(t, st, "loop_a", nil)
	bID := insertModule(t, st, "loop_b", &aID)
	mustExec(t, st, "UPDATE modules SET parent_module_id = ? WHERE id = ?", bID, aID)

	insertBlock(t, st, aID, "A Block", 0)
	insertBlock(t, st, bID, "B Block", 0)

	svc := NewService(st)
	resolved, err := svc.Resolve(context.Background(), aID)
	if err != nil {
		t.Fatalf("resolve must survive a cycle: %v", err)
	}
	if len(resolved.Blocks) != 2 {
		t.Fatalf("expected both blocks once, got %d", len(resolved.Blocks))
	}
}

func TestResolve_RoleFieldGetsLiveOptions(t *testing.T) {
	st := newTestStore(t, "schema_roles")

	row, err := store.QueryRow(context.Background(), st.DB, "SELECT id FROM modules WHERE name = 'users'")
	if err != nil {
		t.Fatalf("users module: %v", err)
	}
	usersID := asInt64(row["id"])
	blockID := insertBlock(t, st, usersID, "Account", 0)

	mustExec(t, st,
		"INSERT INTO fields (block_id, name, label, type, order_sequence) VALUES (?, 'role', 'Role', 'select', 0)",
		blockID)

	svc := NewService(st)
	resolved, err := svc.Resolve(context.Background(), usersID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	field := resolved.FieldByName("role")
	if field == nil {
		t.Fatal("role field missing")
	}
	want := []string{"admin", "staff", "teacher", "student"}
	if len(field.Options) != len(want) {
		t.Fatalf("expected %d role options, got %v", len(want), field.Options)
	}
	for i, name := range want {
		if field.Options[i] != name {
			t.Fatalf("expected options %v, got %v", want, field.Options)
		}
	}
}

func TestResolve_CacheAndInvalidate(t *testing.T) {
	st := newTestStore(t, "schema_cache")

	mid := insertModule(t, st, "gear", nil)
	insertBlock(t, st, mid, "Inventory", 0)

	svc := NewService(st)
	first, err := svc.Resolve(context.Background(), mid)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(first.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(first.Blocks))
	}

	insertBlock(t, st, mid, "Maintenance", 1)

	cached, err := svc.Resolve(context.Background(), mid)
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}
	if len(cached.Blocks) != 1 {
		t.Fatal("expected cached result until invalidation")
	}

	svc.Invalidate()
	fresh, err := svc.Resolve(context.Background(), mid)
	if err != nil {
		t.Fatalf("resolve fresh: %v", err)
	}
	if len(fresh.Blocks) != 2 {
		t.Fatalf("expected reload after invalidation, got %d blocks", len(fresh.Blocks))
	}
}

// A warm service answers ResolveByName entirely from its caches: both the
// name-to-id mapping and the resolved tree.
func TestResolveByName_CachesNameLookup(t *testing.T) {
	st := newTestStore(t, "schema_name_cache")

	mid := insertModule(t, st, "gear", nil)
	insertBlock(t, st, mid, "Inventory", 0)

	svc := NewService(st)
	first, err := svc.ResolveByName(context.Background(), "gear")
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if first.Module.ID != mid || len(first.Blocks) != 1 {
		t.Fatalf("unexpected resolution: %+v", first)
	}

	// With the row gone, only the cache can answer.
	mustExec(t, st, "DELETE FROM modules WHERE id = ?", mid)

	cached, err := svc.ResolveByName(context.Background(), "gear")
	if err != nil {
		t.Fatalf("warm lookup must not touch the database: %v", err)
	}
	if cached.Module.ID != mid {
		t.Fatalf("expected cached tree, got %+v", cached)
	}

	svc.Invalidate()
	if _, err := svc.ResolveByName(context.Background(), "gear"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found after invalidation, got %v", err)
	}
}

func TestDecodeJSONDegradesQuietly(t *testing.T) {
	if got := decodeOptions(`["a","b"]`); len(got) != 2 {
		t.Fatalf("expected decoded options, got %v", got)
	}
	if got := decodeOptions("not json"); got != nil {
		t.Fatalf("malformed options must degrade to nil, got %v", got)
	}
	if got := decodeRelation(`{"table":"teachers","display_field":"t.name"}`); got == nil || got.Table != "teachers" {
		t.Fatalf("expected decoded relation, got %+v", got)
	}
	if got := decodeRelation("{broken"); got != nil {
		t.Fatalf("malformed relation must degrade to nil, got %+v", got)
	}
}
