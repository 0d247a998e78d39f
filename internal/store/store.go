// Package store provides storage backends for QuoteFlow.
//
// It includes an in-memory store for tests and persistent SQLite and
// PostgreSQL backends for form submissions and projects. The durable store
// is the remote tier the session rebuilder reads from; form submissions are
// written here by the submission collaborator.
package store

import (
	"sort"
	"sync"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Store defines the durable storage interface shared by all backends.
type Store interface {
	// AddSubmission persists one validated form submission.
	AddSubmission(sub models.FormSubmission) error

	// GetSubmissionsByProject returns all submissions under a project key,
	// ordered by submission time.
	GetSubmissionsByProject(projectKey string) ([]models.FormSubmission, error)

	// SaveProject inserts or updates a project record.
	SaveProject(p models.Project) error

	// GetProject returns a project by key, or nil if absent.
	GetProject(key string) (*models.Project, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a simple in-memory store used in tests and as a fallback
// when no DSN is configured.
type InMemoryStore struct {
	mu          sync.Mutex
	submissions []models.FormSubmission
	projects    map[string]models.Project
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{projects: make(map[string]models.Project)}
}

func (s *InMemoryStore) AddSubmission(sub models.FormSubmission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, sub)
	return nil
}

func (s *InMemoryStore) GetSubmissionsByProject(projectKey string) ([]models.FormSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.FormSubmission
	for _, sub := range s.submissions {
		if sub.ProjectKey == projectKey {
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	return result, nil
}

func (s *InMemoryStore) SaveProject(p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.Key] = p
	return nil
}

func (s *InMemoryStore) GetProject(key string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[key]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
