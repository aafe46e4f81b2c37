package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates all system and business tables and seeds the rows the
// engine cannot run without: roles, the field-name counter, the built-in
// modules, default scope permissions and an initial admin user.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap tables: %w", err)
	}
	if err := s.seedRoles(ctx); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if err := s.seedCounter(ctx); err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	if err := s.seedModules(ctx); err != nil {
		return fmt.Errorf("seed modules: %w", err)
	}
	if err := s.seedPermissions(ctx); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

var defaultRoles = []string{"admin", "staff", "teacher", "student"}

func (s *Store) seedRoles(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM roles").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, name := range defaultRoles {
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("INSERT INTO roles (name) VALUES (%s)", pb.Add(name))
		if _, err := s.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedCounter(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM custom_field_counter").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, "INSERT INTO custom_field_counter (id, last_cf_number) VALUES (1, 0)")
	return err
}

// Built-in modules. All business entities accept dynamic attributes; the
// users module exists so schema administration can extend accounts too.
var defaultModules = []struct {
	name   string
	custom bool
}{
	{"students", true},
	{"teachers", true},
	{"classes", true},
	{"plans", true},
	{"payments", true},
	{"attendances", false},
	{"enrollments", false},
	{"users", true},
}

func (s *Store) seedModules(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM modules").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, m := range defaultModules {
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("INSERT INTO modules (name, has_custom_fields, active) VALUES (%s, %s, %s)",
			pb.Add(m.name), pb.Add(m.custom), pb.Add(true))
		if _, err := s.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
			return err
		}
	}
	return nil
}

// Default scope rows. Staff sees everything; teachers see the classes
// assigned to them; students see their own payments.
var defaultPermissions = []struct {
	role, entity, action, scope string
	ownColumn, assignedColumn   string
}{
	{"staff", "students", "read", "all", "", ""},
	{"staff", "classes", "read", "all", "", ""},
	{"staff", "payments", "read", "all", "", ""},
	{"teacher", "classes", "read", "assigned", "", "classes.id"},
	{"student", "payments", "read", "own", "payments.student_id", ""},
}

func (s *Store) seedPermissions(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM permissions").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, p := range defaultPermissions {
		pb := s.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(`INSERT INTO permissions (role_id, entity, action, scope, own_column, assigned_column)
SELECT id, %s, %s, %s, %s, %s FROM roles WHERE name = %s`,
			pb.Add(p.entity), pb.Add(p.action), pb.Add(p.scope),
			pb.Add(p.ownColumn), pb.Add(p.assignedColumn), pb.Add(p.role))
		if _, err := s.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`INSERT INTO users (name, email, password_hash, role_id)
SELECT %s, %s, %s, id FROM roles WHERE name = 'admin'`,
		pb.Add("Administrator"), pb.Add("admin@localhost"), pb.Add(string(hash)))
	if _, err := s.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return err
	}

	log.Warn().Msg("default admin user created (admin@localhost / changeme), change the password immediately")
	return nil
}
