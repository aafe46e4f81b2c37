package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"studio-backend/internal/store"
)

func appErrCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}
	return appErr.Code
}

func TestApplyScope_MissingPermissionIsMisconfigured(t *testing.T) {
	user := &UserContext{ID: 1, Role: "staff"}

	q := NewQuery("payments")
	if code := appErrCode(t, ApplyScope(context.Background(), q, nil, user, nil)); code != "MISCONFIGURED" {
		t.Fatalf("expected MISCONFIGURED for nil permission, got %s", code)
	}
	if code := appErrCode(t, ApplyScope(context.Background(), q, &Permission{}, user, nil)); code != "MISCONFIGURED" {
		t.Fatalf("expected MISCONFIGURED for empty scope, got %s", code)
	}
	if len(q.Conds) != 0 {
		t.Fatalf("query must be untouched on failure, got %d conds", len(q.Conds))
	}
}

func TestApplyScope_All(t *testing.T) {
	q := NewQuery("students")
	err := ApplyScope(context.Background(), q, &Permission{Scope: ScopeAll}, &UserContext{ID: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Conds) != 0 {
		t.Fatalf("all scope must not add predicates, got %d", len(q.Conds))
	}
}

func TestApplyScope_OwnAddsEqualityOnUserID(t *testing.T) {
	q := NewQuery("payments")
	perm := &Permission{Scope: ScopeOwn, OwnColumn: "payments.student_id"}
	if err := ApplyScope(context.Background(), q, perm, &UserContext{ID: 42}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sqlStr, params := BuildCountSQL(store.NewDialect("postgres"), q)
	want := "SELECT COUNT(*) AS total FROM payments WHERE payments.student_id = $1"
	if sqlStr != want {
		t.Fatalf("unexpected SQL: %s", sqlStr)
	}
	if len(params) != 1 || params[0] != int64(42) {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestApplyScope_OwnWithoutColumnIsMisconfigured(t *testing.T) {
	err := ApplyScope(context.Background(), NewQuery("payments"),
		&Permission{Scope: ScopeOwn}, &UserContext{ID: 1}, nil)
	if code := appErrCode(t, err); code != "MISCONFIGURED" {
		t.Fatalf("expected MISCONFIGURED, got %s", code)
	}
}

func TestApplyScope_AssignedUsesResolverIDs(t *testing.T) {
	resolver := func(ctx context.Context, user *UserContext) ([]any, error) {
		return []any{int64(3), int64(9)}, nil
	}

	q := NewQuery("classes")
	perm := &Permission{Scope: ScopeAssigned, AssignedColumn: "classes.id"}
	if err := ApplyScope(context.Background(), q, perm, &UserContext{ID: 7}, resolver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sqlStr, params := BuildCountSQL(store.NewDialect("sqlite"), q)
	want := "SELECT COUNT(*) AS total FROM classes WHERE classes.id IN (?1, ?2)"
	if sqlStr != want {
		t.Fatalf("unexpected SQL: %s", sqlStr)
	}
	if len(params) != 2 {
		t.Fatalf("unexpected params: %v", params)
	}
}

// A teacher with no classes must see an empty list, not an unfiltered one.
func TestApplyScope_AssignedEmptySetMatchesNothing(t *testing.T) {
	resolver := func(ctx context.Context, user *UserContext) ([]any, error) {
		return nil, nil
	}

	q := NewQuery("classes")
	perm := &Permission{Scope: ScopeAssigned, AssignedColumn: "classes.id"}
	if err := ApplyScope(context.Background(), q, perm, &UserContext{ID: 7}, resolver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sqlStr, _ := BuildCountSQL(store.NewDialect("sqlite"), q)
	if sqlStr != "SELECT COUNT(*) AS total FROM classes WHERE 1 = 0" {
		t.Fatalf("unexpected SQL: %s", sqlStr)
	}
}

func TestApplyScope_ResolverFailureIsScopeResolutionError(t *testing.T) {
	resolver := func(ctx context.Context, user *UserContext) ([]any, error) {
		return nil, fmt.Errorf("teacher row missing")
	}

	err := ApplyScope(context.Background(), NewQuery("classes"),
		&Permission{Scope: ScopeAssigned, AssignedColumn: "classes.id"},
		&UserContext{ID: 7}, resolver)
	if code := appErrCode(t, err); code != "SCOPE_RESOLUTION_FAILED" {
		t.Fatalf("expected SCOPE_RESOLUTION_FAILED, got %s", code)
	}
}

func TestApplyScope_NilUserIsUnauthorized(t *testing.T) {
	err := ApplyScope(context.Background(), NewQuery("students"),
		&Permission{Scope: ScopeAll}, nil, nil)
	if code := appErrCode(t, err); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}
}

func TestApplyScope_UnknownScopeIsMisconfigured(t *testing.T) {
	err := ApplyScope(context.Background(), NewQuery("students"),
		&Permission{Scope: "everything"}, &UserContext{ID: 1}, nil)
	if code := appErrCode(t, err); code != "MISCONFIGURED" {
		t.Fatalf("expected MISCONFIGURED, got %s", code)
	}
}
