package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder { return &sqliteParamBuilder{} }

func (d *SQLiteDialect) NowExpr() string { return "CURRENT_TIMESTAMP" }

// SQLite LIKE is case-insensitive for ASCII by default.
func (d *SQLiteDialect) LikeOp() string { return "LIKE" }

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "SQLITE_CONSTRAINT_UNIQUE") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return `
CREATE TABLE IF NOT EXISTS roles (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL UNIQUE,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role_id       INTEGER REFERENCES roles(id),
    active        INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at    TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS permissions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    role_id         INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    entity          TEXT NOT NULL,
    action          TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT 'all',
    own_column      TEXT,
    assigned_column TEXT,
    UNIQUE (role_id, entity, action)
);

CREATE TABLE IF NOT EXISTS modules (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    name              TEXT NOT NULL UNIQUE,
    has_custom_fields INTEGER NOT NULL DEFAULT 0,
    parent_module_id  INTEGER REFERENCES modules(id),
    active            INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS blocks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    module_id    INTEGER NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    description  TEXT,
    order_num    INTEGER NOT NULL DEFAULT 0,
    collapsible  INTEGER NOT NULL DEFAULT 0,
    display_mode TEXT NOT NULL DEFAULT 'list'
);

CREATE TABLE IF NOT EXISTS fields (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    block_id        INTEGER NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
    name            TEXT NOT NULL UNIQUE,
    label           TEXT NOT NULL,
    type            TEXT NOT NULL,
    required        INTEGER NOT NULL DEFAULT 0,
    options         TEXT,
    relation_config TEXT,
    order_sequence  INTEGER NOT NULL DEFAULT 0
);

-- record_id has no foreign key: the owning table varies per module.
CREATE TABLE IF NOT EXISTS field_values (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id   INTEGER NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
    record_id  INTEGER NOT NULL,
    value      TEXT,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (field_id, record_id)
);
CREATE INDEX IF NOT EXISTS idx_field_values_record ON field_values(record_id);

CREATE TABLE IF NOT EXISTS custom_field_counter (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    last_cf_number INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS students (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT,
    phone      TEXT,
    user_id    INTEGER REFERENCES users(id),
    active     INTEGER NOT NULL DEFAULT 1,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS teachers (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT,
    phone      TEXT,
    specialty  TEXT,
    user_id    INTEGER REFERENCES users(id),
    active     INTEGER NOT NULL DEFAULT 1,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS classes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL,
    teacher_id INTEGER REFERENCES teachers(id),
    capacity   INTEGER NOT NULL DEFAULT 0,
    weekday    TEXT,
    start_time TEXT,
    end_time   TEXT,
    active     INTEGER NOT NULL DEFAULT 1,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plans (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    name              TEXT NOT NULL,
    classes_per_month INTEGER NOT NULL DEFAULT 0,
    price             REAL NOT NULL DEFAULT 0,
    active            INTEGER NOT NULL DEFAULT 1,
    created_at        TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at        TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS enrollments (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    class_id   INTEGER NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
    student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    started_on TEXT,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (class_id, student_id)
);

CREATE TABLE IF NOT EXISTS payments (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id INTEGER NOT NULL REFERENCES students(id),
    plan_id    INTEGER REFERENCES plans(id),
    amount     REAL NOT NULL,
    method     TEXT,
    paid_on    TEXT,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attendances (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    class_id   INTEGER NOT NULL REFERENCES classes(id),
    student_id INTEGER NOT NULL REFERENCES students(id),
    taken_on   TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'present',
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (class_id, student_id, taken_on)
);
`
}
