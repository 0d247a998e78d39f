package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Local cache configuration constants
const (
	// DefaultSaveDebounce is how long writes are coalesced before hitting disk.
	DefaultSaveDebounce = time.Second
	// ListFileName is the session-list cache entry.
	ListFileName = "sessions_list.json"
	// StateFileName is the session-state map cache entry.
	StateFileName = "sessions_state.json"
	// DefaultDirPermissions defines the default permissions for cache directories.
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for cache files.
	DefaultFilePermissions = 0644
)

// ErrSwitchInFlight is returned when a session switch is requested while a
// previous one has not finished. Switches are serialized by this flag rather
// than queued; callers defer and retry.
var ErrSwitchInFlight = errors.New("session switch already in progress")

// Opts holds configuration options for the Manager.
type Opts struct {
	Dir      string
	Debounce time.Duration
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithDir sets the directory the local cache files live in.
func WithDir(dir string) Option {
	return func(o *Opts) {
		o.Dir = dir
	}
}

// WithDebounce overrides the write debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) {
		o.Debounce = d
	}
}

// Manager is the page-lifetime local cache tier: an in-memory session list
// and state map persisted to two independently debounced JSON files. It is
// the authoritative in-memory store for one running instance.
type Manager struct {
	mu       sync.Mutex
	dir      string
	debounce time.Duration

	states map[string]models.SessionState
	list   []models.SessionSummary

	activeSessionID string
	switching       bool

	listTimer  *time.Timer
	stateTimer *time.Timer
}

// NewManager creates a Manager based on provided options. The cache
// directory is created if missing.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dir == "" {
		slog.Error("Session manager cache directory not set")
		return nil, fmt.Errorf("session cache directory not set")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultSaveDebounce
	}
	if err := os.MkdirAll(cfg.Dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create session cache directory", "error", err, "dir", cfg.Dir)
		return nil, fmt.Errorf("failed to create session cache directory: %w", err)
	}
	slog.Debug("Session manager created", "dir", cfg.Dir, "debounce", cfg.Debounce)
	return &Manager{
		dir:      cfg.Dir,
		debounce: cfg.Debounce,
		states:   make(map[string]models.SessionState),
	}, nil
}

// Load reads both cache entries, validates and migrates the state map, runs
// the cleanup policy once, and installs the result. It is meant to run once
// at startup. Corrupted or missing files yield an empty cache, never an
// error to the caller's UI path.
func (m *Manager) Load(projectKey string) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := map[string]models.SessionState{}
	if raw, err := os.ReadFile(filepath.Join(m.dir, StateFileName)); err == nil {
		states = ValidateStateMap(raw, projectKey, 0)
	} else if !os.IsNotExist(err) {
		slog.Error("Session manager failed to read state cache", "error", err)
	}

	cleaned, result := Cleanup(states, time.Now())
	m.states = cleaned

	var list []models.SessionSummary
	if raw, err := os.ReadFile(filepath.Join(m.dir, ListFileName)); err == nil {
		if err := json.Unmarshal(raw, &list); err != nil {
			slog.Warn("Session manager list cache corrupted, discarding", "error", err)
			list = nil
		}
	} else if !os.IsNotExist(err) {
		slog.Error("Session manager failed to read list cache", "error", err)
	}

	// Drop list entries whose state was removed by validation or cleanup.
	m.list = m.list[:0]
	for _, summary := range list {
		if _, ok := m.states[summary.ID]; ok {
			m.list = append(m.list, summary)
		}
	}

	m.scheduleListPersist()
	m.scheduleStatePersist()
	slog.Info("Session manager loaded", "sessions", len(m.states), "removed", result.RemovedCount, "warnings", len(result.Warnings))
	return result, nil
}

// Get returns the state for a session id.
func (m *Manager) Get(id string) (models.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	return state, ok
}

// Put stores a session state, stamping its access time and enforcing the
// monotone highest-step invariant against any existing snapshot.
func (m *Manager) Put(id string, state models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(id, state)
}

func (m *Manager) putLocked(id string, state models.SessionState) {
	if state.CurrentStepOrder > state.HighestStepReached {
		state.HighestStepReached = state.CurrentStepOrder
	}
	if existing, ok := m.states[id]; ok && existing.HighestStepReached > state.HighestStepReached {
		state.HighestStepReached = existing.HighestStepReached
	}
	state.LastAccessedAt = time.Now()
	m.states[id] = state
	m.scheduleStatePersist()
}

// PutSummary upserts a session's list entry.
func (m *Manager) PutSummary(summary models.SessionSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putSummaryLocked(summary)
}

func (m *Manager) putSummaryLocked(summary models.SessionSummary) {
	for i := range m.list {
		if m.list[i].ID == summary.ID {
			m.list[i] = summary
			m.scheduleListPersist()
			return
		}
	}
	m.list = append(m.list, summary)
	m.scheduleListPersist()
}

// Create installs a new session. It is idempotent: creating an already-known
// id is a no-op, which makes duplicate sync deliveries harmless.
func (m *Manager) Create(summary models.SessionSummary, state models.SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[summary.ID]; ok {
		slog.Debug("Session already known, create ignored", "session_id", summary.ID)
		return false
	}
	m.putLocked(summary.ID, state)
	m.putSummaryLocked(summary)
	return true
}

// Delete removes a session from both tiers.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	for i := range m.list {
		if m.list[i].ID == id {
			m.list = append(m.list[:i], m.list[i+1:]...)
			break
		}
	}
	if m.activeSessionID == id {
		m.activeSessionID = ""
	}
	m.scheduleStatePersist()
	m.scheduleListPersist()
}

// List returns a copy of the session summaries.
func (m *Manager) List() []models.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]models.SessionSummary, len(m.list))
	copy(list, m.list)
	return list
}

// States returns a copy of the session state map, used to assemble
// wholesale-reload payloads for the sync bus.
func (m *Manager) States() map[string]models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]models.SessionState, len(m.states))
	for id, state := range m.states {
		states[id] = state
	}
	return states
}

// ReplaceAll swaps in a full session list and state map, used when another
// instance broadcasts a wholesale reload.
func (m *Manager) ReplaceAll(list []models.SessionSummary, states map[string]models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = make([]models.SessionSummary, len(list))
	copy(m.list, list)
	m.states = make(map[string]models.SessionState, len(states))
	for id, state := range states {
		m.states[id] = state
	}
	m.scheduleStatePersist()
	m.scheduleListPersist()
	slog.Debug("Session manager reloaded", "sessions", len(states))
}

// Touch records navigation to a step: position moves, the highest step
// reached never decreases, and the access time advances.
func (m *Manager) Touch(id string, stepIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		slog.Warn("Touch on unknown session", "session_id", id)
		return
	}
	state.CurrentStepOrder = stepIndex
	if stepIndex > state.HighestStepReached {
		state.HighestStepReached = stepIndex
	}
	state.LastAccessedAt = time.Now()
	m.states[id] = state
	m.scheduleStatePersist()
}

// SetActiveSession marks the session this instance is currently editing.
func (m *Manager) SetActiveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessionID = id
}

// ActiveSessionID returns the session this instance is currently editing.
func (m *Manager) ActiveSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSessionID
}

// BeginSwitch marks a session switch in flight. A second switch while one is
// outstanding returns ErrSwitchInFlight instead of interleaving.
func (m *Manager) BeginSwitch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switching {
		return ErrSwitchInFlight
	}
	m.switching = true
	return nil
}

// EndSwitch releases the switch flag.
func (m *Manager) EndSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switching = false
}

// ReferencesProject reports whether any cached session belongs to the given
// project. It is the cheap predicate checked before an expensive rebuild.
func (m *Manager) ReferencesProject(projectKey string) bool {
	if projectKey == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.states {
		if state.ProjectKey == projectKey {
			return true
		}
	}
	return false
}

// Flush cancels pending debounce timers and writes both cache entries now.
// Meant for shutdown.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listTimer != nil {
		m.listTimer.Stop()
		m.listTimer = nil
	}
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
	if err := m.writeListLocked(); err != nil {
		return err
	}
	return m.writeStateLocked()
}

// scheduleStatePersist re-arms the state-map debounce timer. Last write wins
// across instances; brief staleness is expected and tolerated.
func (m *Manager) scheduleStatePersist() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
	}
	m.stateTimer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.writeStateLocked(); err != nil {
			slog.Error("Session manager state persist failed", "error", err)
		}
	})
}

func (m *Manager) scheduleListPersist() {
	if m.listTimer != nil {
		m.listTimer.Stop()
	}
	m.listTimer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.writeListLocked(); err != nil {
			slog.Error("Session manager list persist failed", "error", err)
		}
	})
}

func (m *Manager) writeStateLocked() error {
	encoded, err := json.Marshal(m.states)
	if err != nil {
		return fmt.Errorf("failed to encode session state map: %w", err)
	}
	path := filepath.Join(m.dir, StateFileName)
	if err := os.WriteFile(path, encoded, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write session state cache: %w", err)
	}
	return nil
}

func (m *Manager) writeListLocked() error {
	encoded, err := json.Marshal(m.list)
	if err != nil {
		return fmt.Errorf("failed to encode session list: %w", err)
	}
	path := filepath.Join(m.dir, ListFileName)
	if err := os.WriteFile(path, encoded, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write session list cache: %w", err)
	}
	return nil
}
