// Package store provides storage backends for QuoteFlow.
//
// This file implements a PostgreSQL-backed store for form submissions and projects.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddSubmission(sub models.FormSubmission) error {
	if err := sub.Validate(); err != nil {
		slog.Error("PostgresStore AddSubmission validation failed", "error", err, "session_id", sub.SessionID)
		return err
	}
	formData, err := json.Marshal(sub.FormData)
	if err != nil {
		slog.Error("PostgresStore AddSubmission encode failed", "error", err, "session_id", sub.SessionID)
		return fmt.Errorf("failed to encode form data: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO form_submissions (id, session_id, project_key, step_id, form_id, form_data, item_number, submitted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.SessionID, sub.ProjectKey, sub.StepID, sub.FormID, string(formData),
		sub.ItemNumber, sub.SubmittedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddSubmission failed", "error", err, "session_id", sub.SessionID, "step_id", sub.StepID)
		return fmt.Errorf("failed to insert submission for %s: %w", sub.SessionID, err)
	}
	slog.Debug("PostgresStore AddSubmission succeeded", "session_id", sub.SessionID, "step_id", sub.StepID)
	return nil
}

func (s *PostgresStore) GetSubmissionsByProject(projectKey string) ([]models.FormSubmission, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, project_key, step_id, form_id, form_data, item_number, submitted_at, created_at, updated_at
		 FROM form_submissions WHERE project_key = $1 ORDER BY submitted_at`,
		projectKey,
	)
	if err != nil {
		slog.Error("PostgresStore GetSubmissionsByProject query failed", "error", err, "project_key", projectKey)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var submissions []models.FormSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			slog.Error("PostgresStore GetSubmissionsByProject scan failed", "error", err)
			return nil, err
		}
		submissions = append(submissions, sub)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore GetSubmissionsByProject rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	slog.Debug("PostgresStore GetSubmissionsByProject succeeded", "project_key", projectKey, "count", len(submissions))
	return submissions, nil
}

func (s *PostgresStore) SaveProject(p models.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, key, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Key, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveProject failed", "error", err, "key", p.Key)
		return fmt.Errorf("failed to save project %s: %w", p.Key, err)
	}
	slog.Debug("PostgresStore SaveProject succeeded", "key", p.Key)
	return nil
}

func (s *PostgresStore) GetProject(key string) (*models.Project, error) {
	row := s.db.QueryRow(`SELECT id, key, name, created_at, updated_at FROM projects WHERE key = $1`, key)
	var p models.Project
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetProject not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProject failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query project %s: %w", key, err)
	}
	return &p, nil
}

func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres store")
	return s.db.Close()
}
