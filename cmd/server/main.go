package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"studio-backend/internal/admin"
	"studio-backend/internal/auth"
	"studio-backend/internal/config"
	"studio-backend/internal/engine"
	"studio-backend/internal/schema"
	"studio-backend/internal/store"
)

func main() {
	ctx := context.Background()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("config loaded")

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap database")
	}
	log.Info().Msg("database ready")

	schemas := schema.NewService(db)
	registry := engine.NewRegistry()
	registerEntities(db, schemas, registry)

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authHandler := auth.NewHandler(db, cfg)
	auth.RegisterAuthRoutes(app, authHandler)

	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()
	permMW := auth.PermissionMiddleware(db)

	adminHandler := admin.NewHandler(db, schemas)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, adminMW)

	engineHandler := engine.NewHandler(db, registry, schemas)
	engine.RegisterDynamicRoutes(app, engineHandler, authMW, permMW)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("starting server")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// registerEntities declares every servable entity: its base table, writable
// fixed columns, listing joins and search/filter mapping. Everything else
// (dynamic attributes, validation, scoping) comes from metadata at runtime.
func registerEntities(db *store.Store, schemas *schema.Service, registry *engine.Registry) {
	registry.Register(db, schemas, engine.Descriptor{
		Entity:  "users",
		Table:   "users",
		Columns: []string{"name", "email", "password_hash", "role_id", "active"},
		SelectExprs: []string{
			"users.id", "users.name", "users.email", "users.role_id",
			"users.active", "users.created_at", "users.updated_at",
			"r.name AS role",
		},
		Joins:        []string{"LEFT JOIN roles r ON r.id = users.role_id"},
		SearchFields: []string{"users.name", "users.email"},
		ColumnMap:    map[string]string{"role": "r.name"},
		BoolFields:   []string{"active"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:       "students",
		Table:        "students",
		Columns:      []string{"first_name", "last_name", "email", "phone", "user_id", "active"},
		SearchFields: []string{"students.first_name", "students.last_name", "students.email"},
		BoolFields:   []string{"active"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:       "teachers",
		Table:        "teachers",
		Columns:      []string{"first_name", "last_name", "email", "phone", "specialty", "user_id", "active"},
		SearchFields: []string{"teachers.first_name", "teachers.last_name", "teachers.email"},
		BoolFields:   []string{"active"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:  "classes",
		Table:   "classes",
		Columns: []string{"name", "teacher_id", "capacity", "weekday", "start_time", "end_time", "active"},
		SelectExprs: []string{
			"classes.*",
			"t.first_name AS teacher_first_name", "t.last_name AS teacher_last_name",
		},
		Joins:            []string{"LEFT JOIN teachers t ON t.id = classes.teacher_id"},
		SearchFields:     []string{"classes.name", "t.first_name", "t.last_name"},
		ColumnMap:        map[string]string{"teacher": "classes.teacher_id"},
		BoolFields:       []string{"active"},
		AssignedResolver: teacherClassIDs(db),
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:       "plans",
		Table:        "plans",
		Columns:      []string{"name", "classes_per_month", "price", "active"},
		SearchFields: []string{"plans.name"},
		BoolFields:   []string{"active"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:  "payments",
		Table:   "payments",
		Columns: []string{"student_id", "plan_id", "amount", "method", "paid_on"},
		SelectExprs: []string{
			"payments.*",
			"s.first_name AS student_first_name", "s.last_name AS student_last_name",
			"p.name AS plan_name",
		},
		Joins: []string{
			"LEFT JOIN students s ON s.id = payments.student_id",
			"LEFT JOIN plans p ON p.id = payments.plan_id",
		},
		SearchFields: []string{"s.first_name", "s.last_name"},
		ColumnMap:    map[string]string{"student": "payments.student_id", "plan": "payments.plan_id"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:  "enrollments",
		Table:   "enrollments",
		Columns: []string{"class_id", "student_id", "started_on"},
		SelectExprs: []string{
			"enrollments.*",
			"c.name AS class_name",
			"s.first_name AS student_first_name", "s.last_name AS student_last_name",
		},
		Joins: []string{
			"LEFT JOIN classes c ON c.id = enrollments.class_id",
			"LEFT JOIN students s ON s.id = enrollments.student_id",
		},
		ColumnMap: map[string]string{"class": "enrollments.class_id", "student": "enrollments.student_id"},
	})

	registry.Register(db, schemas, engine.Descriptor{
		Entity:  "attendances",
		Table:   "attendances",
		Columns: []string{"class_id", "student_id", "taken_on", "status"},
		SelectExprs: []string{
			"attendances.*",
			"c.name AS class_name",
			"s.first_name AS student_first_name", "s.last_name AS student_last_name",
		},
		Joins: []string{
			"LEFT JOIN classes c ON c.id = attendances.class_id",
			"LEFT JOIN students s ON s.id = attendances.student_id",
		},
		ColumnMap: map[string]string{"class": "attendances.class_id", "student": "attendances.student_id", "status": "attendances.status"},
	})
}

// teacherClassIDs resolves assigned scope for teachers: the ids of the
// classes taught by the teacher row linked to the calling user account.
func teacherClassIDs(db *store.Store) engine.AssignedResolver {
	return func(ctx context.Context, user *engine.UserContext) ([]any, error) {
		pb := db.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(`SELECT c.id FROM classes c
JOIN teachers t ON t.id = c.teacher_id
WHERE t.user_id = %s`, pb.Add(user.ID))

		rows, err := store.QueryRows(ctx, db.DB, sqlStr, pb.Params()...)
		if err != nil {
			return nil, fmt.Errorf("resolve assigned classes for user %d: %w", user.ID, err)
		}
		ids := make([]any, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row["id"])
		}
		return ids, nil
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		if appErr.Status >= 500 {
			log.Error().Str("code", appErr.Code).Str("path", c.Path()).Err(appErr).Msg("request failed")
		}
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	log.Error().Str("path", c.Path()).Err(err).Msg("unhandled error")
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
