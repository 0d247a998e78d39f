// Package store provides storage backends for QuoteFlow.
//
// This file implements an SQLite-backed store for form submissions and projects.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddSubmission(sub models.FormSubmission) error {
	if err := sub.Validate(); err != nil {
		slog.Error("SQLiteStore AddSubmission validation failed", "error", err, "session_id", sub.SessionID)
		return err
	}
	formData, err := json.Marshal(sub.FormData)
	if err != nil {
		slog.Error("SQLiteStore AddSubmission encode failed", "error", err, "session_id", sub.SessionID)
		return fmt.Errorf("failed to encode form data: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO form_submissions (id, session_id, project_key, step_id, form_id, form_data, item_number, submitted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.SessionID, sub.ProjectKey, sub.StepID, sub.FormID, string(formData),
		sub.ItemNumber, sub.SubmittedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddSubmission failed", "error", err, "session_id", sub.SessionID, "step_id", sub.StepID)
		return fmt.Errorf("failed to insert submission for %s: %w", sub.SessionID, err)
	}
	slog.Debug("SQLiteStore AddSubmission succeeded", "session_id", sub.SessionID, "step_id", sub.StepID)
	return nil
}

func (s *SQLiteStore) GetSubmissionsByProject(projectKey string) ([]models.FormSubmission, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, project_key, step_id, form_id, form_data, item_number, submitted_at, created_at, updated_at
		 FROM form_submissions WHERE project_key = ? ORDER BY submitted_at`,
		projectKey,
	)
	if err != nil {
		slog.Error("SQLiteStore GetSubmissionsByProject query failed", "error", err, "project_key", projectKey)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var submissions []models.FormSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			slog.Error("SQLiteStore GetSubmissionsByProject scan failed", "error", err)
			return nil, err
		}
		submissions = append(submissions, sub)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetSubmissionsByProject rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	slog.Debug("SQLiteStore GetSubmissionsByProject succeeded", "project_key", projectKey, "count", len(submissions))
	return submissions, nil
}

func (s *SQLiteStore) SaveProject(p models.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, key, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		p.ID, p.Key, p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveProject failed", "error", err, "key", p.Key)
		return fmt.Errorf("failed to save project %s: %w", p.Key, err)
	}
	slog.Debug("SQLiteStore SaveProject succeeded", "key", p.Key)
	return nil
}

func (s *SQLiteStore) GetProject(key string) (*models.Project, error) {
	row := s.db.QueryRow(`SELECT id, key, name, created_at, updated_at FROM projects WHERE key = ?`, key)
	var p models.Project
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetProject not found", "key", key)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProject failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to query project %s: %w", key, err)
	}
	return &p, nil
}

func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite store")
	return s.db.Close()
}
