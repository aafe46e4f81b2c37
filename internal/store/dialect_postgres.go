package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder { return &pgParamBuilder{} }

func (d *PostgresDialect) NowExpr() string { return "NOW()" }

func (d *PostgresDialect) LikeOp() string { return "ILIKE" }

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return fmt.Sprintf("%s = ANY(%s)", field, pb.Add(values))
}

func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.Detail)
	}
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return `
CREATE TABLE IF NOT EXISTS roles (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role_id       BIGINT REFERENCES roles(id),
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    id         BIGSERIAL PRIMARY KEY,
    user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS permissions (
    id              BIGSERIAL PRIMARY KEY,
    role_id         BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    entity          TEXT NOT NULL,
    action          TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT 'all',
    own_column      TEXT,
    assigned_column TEXT,
    UNIQUE (role_id, entity, action)
);

CREATE TABLE IF NOT EXISTS modules (
    id                BIGSERIAL PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    has_custom_fields BOOLEAN NOT NULL DEFAULT false,
    parent_module_id  BIGINT REFERENCES modules(id),
    active            BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS blocks (
    id           BIGSERIAL PRIMARY KEY,
    module_id    BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    description  TEXT,
    order_num    INT NOT NULL DEFAULT 0,
    collapsible  BOOLEAN NOT NULL DEFAULT false,
    display_mode TEXT NOT NULL DEFAULT 'list'
);

CREATE TABLE IF NOT EXISTS fields (
    id              BIGSERIAL PRIMARY KEY,
    block_id        BIGINT NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
    name            TEXT NOT NULL UNIQUE,
    label           TEXT NOT NULL,
    type            TEXT NOT NULL,
    required        BOOLEAN NOT NULL DEFAULT false,
    options         TEXT,
    relation_config TEXT,
    order_sequence  INT NOT NULL DEFAULT 0
);

-- record_id has no foreign key: the owning table varies per module.
CREATE TABLE IF NOT EXISTS field_values (
    id         BIGSERIAL PRIMARY KEY,
    field_id   BIGINT NOT NULL REFERENCES fields(id) ON DELETE CASCADE,
    record_id  BIGINT NOT NULL,
    value      TEXT,
    updated_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (field_id, record_id)
);
CREATE INDEX IF NOT EXISTS idx_field_values_record ON field_values(record_id);

CREATE TABLE IF NOT EXISTS custom_field_counter (
    id             INT PRIMARY KEY CHECK (id = 1),
    last_cf_number BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS students (
    id         BIGSERIAL PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT,
    phone      TEXT,
    user_id    BIGINT REFERENCES users(id),
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS teachers (
    id         BIGSERIAL PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT,
    phone      TEXT,
    specialty  TEXT,
    user_id    BIGINT REFERENCES users(id),
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS classes (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL,
    teacher_id BIGINT REFERENCES teachers(id),
    capacity   INT NOT NULL DEFAULT 0,
    weekday    TEXT,
    start_time TEXT,
    end_time   TEXT,
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS plans (
    id                BIGSERIAL PRIMARY KEY,
    name              TEXT NOT NULL,
    classes_per_month INT NOT NULL DEFAULT 0,
    price             NUMERIC(10,2) NOT NULL DEFAULT 0,
    active            BOOLEAN NOT NULL DEFAULT true,
    created_at        TIMESTAMPTZ DEFAULT NOW(),
    updated_at        TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS enrollments (
    id         BIGSERIAL PRIMARY KEY,
    class_id   BIGINT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
    student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    started_on DATE,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (class_id, student_id)
);

CREATE TABLE IF NOT EXISTS payments (
    id         BIGSERIAL PRIMARY KEY,
    student_id BIGINT NOT NULL REFERENCES students(id),
    plan_id    BIGINT REFERENCES plans(id),
    amount     NUMERIC(10,2) NOT NULL,
    method     TEXT,
    paid_on    DATE,
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attendances (
    id         BIGSERIAL PRIMARY KEY,
    class_id   BIGINT NOT NULL REFERENCES classes(id),
    student_id BIGINT NOT NULL REFERENCES students(id),
    taken_on   DATE NOT NULL,
    status     TEXT NOT NULL DEFAULT 'present',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (class_id, student_id, taken_on)
);
`
}
