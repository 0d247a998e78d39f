// Package flowdef loads and prepares flow definitions for QuoteFlow.
//
// A flow definition is an ordered list of steps with optional branching
// conditions, fetched by identifier and filtered for the current mode (new
// item vs. revision) before the executor walks it.
package flowdef

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Errors returned by the loader.
var (
	ErrInvalidFlowShape = errors.New("flow definition failed shape validation")
)

// StepDefinition is the stepper-facing view of a flow step: a stable id and
// a human-readable title derived from the template identifier.
type StepDefinition struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// DefaultEntryForm is used when a flow's metadata does not name one.
const DefaultEntryForm = "project-header"

// Opts holds configuration options for the Loader.
type Opts struct {
	BaseURL string
	Client  *http.Client
	Cache   *Cache
}

// Option defines a configuration option for the Loader.
type Option func(*Opts)

// WithBaseURL sets the base URL flow definitions are fetched from.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) {
		o.BaseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for flow fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) {
		o.Client = client
	}
}

// WithCache sets the definition cache used to avoid repeated fetches.
func WithCache(cache *Cache) Option {
	return func(o *Opts) {
		o.Cache = cache
	}
}

// Loader fetches and validates flow definitions by identifier.
type Loader struct {
	baseURL string
	client  *http.Client
	cache   *Cache
}

// NewLoader creates a Loader based on provided options.
func NewLoader(opts ...Option) (*Loader, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		slog.Error("Loader base URL not set")
		return nil, fmt.Errorf("flow base URL not set")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	slog.Debug("Loader created", "base_url", cfg.BaseURL, "cache_set", cfg.Cache != nil)
	return &Loader{baseURL: strings.TrimSuffix(cfg.BaseURL, "/"), client: client, cache: cfg.Cache}, nil
}

// Load fetches a named flow definition. A missing flow returns (nil, nil)
// rather than an error; a payload that fails shape validation returns
// ErrInvalidFlowShape. Network failures are logged and treated as "not
// found" so callers can fall back to an empty state.
func (l *Loader) Load(ctx context.Context, flowID string) (*models.FlowDefinition, error) {
	if l.cache != nil {
		if flow, ok := l.cache.Get(flowID); ok {
			slog.Debug("Loader cache hit", "flow_id", flowID)
			return flow, nil
		}
	}

	url := fmt.Sprintf("%s/form-flows/%s.json", l.baseURL, flowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("Loader failed to build request", "error", err, "flow_id", flowID)
		return nil, nil
	}

	resp, err := l.client.Do(req)
	if err != nil {
		slog.Error("Loader fetch failed", "error", err, "flow_id", flowID)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Loader flow not found", "flow_id", flowID, "status", resp.StatusCode)
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("Loader failed to read response", "error", err, "flow_id", flowID)
		return nil, nil
	}

	flow, err := ParseFlow(body)
	if err != nil {
		slog.Error("Loader flow failed validation", "error", err, "flow_id", flowID)
		return nil, err
	}

	if l.cache != nil {
		l.cache.Set(flowID, flow)
	}
	slog.Debug("Loader Load succeeded", "flow_id", flowID, "steps", len(flow.MainFlow.Steps))
	return flow, nil
}

// ParseFlow decodes and shape-validates a raw flow definition payload. It is
// the single validation entry point for flow payloads regardless of origin
// (HTTP fetch or local file).
func ParseFlow(payload []byte) (*models.FlowDefinition, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlowShape, err)
	}
	if !ValidateFlow(raw) {
		return nil, ErrInvalidFlowShape
	}
	var flow models.FlowDefinition
	if err := json.Unmarshal(payload, &flow); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlowShape, err)
	}
	return &flow, nil
}

// ValidateFlow checks the required shape of a raw flow payload: a metadata
// object and a mainFlow object carrying a steps array.
func ValidateFlow(raw map[string]json.RawMessage) bool {
	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(raw["metadata"], &metadata); err != nil || metadata == nil {
		return false
	}
	var mainFlow map[string]json.RawMessage
	if err := json.Unmarshal(raw["mainFlow"], &mainFlow); err != nil || mainFlow == nil {
		return false
	}
	var steps []json.RawMessage
	if err := json.Unmarshal(mainFlow["steps"], &steps); err != nil {
		return false
	}
	return true
}

// FilterSteps keeps only the data-collection steps of a flow, additionally
// removing revision-only steps when the session is not a revision. Original
// order is preserved.
func FilterSteps(flow *models.FlowDefinition, isRevision bool) []models.Step {
	if flow == nil {
		return nil
	}
	var steps []models.Step
	for _, step := range flow.MainFlow.Steps {
		if step.FormType != models.FormTypeDataCollection {
			continue
		}
		if step.RevisionOnly && !isRevision {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// BuildStepDefinitions derives stepper definitions from filtered flow steps.
// Titles are token-split, title-cased template identifiers; this is a pure
// transform with no side effects.
func BuildStepDefinitions(steps []models.Step) []StepDefinition {
	defs := make([]StepDefinition, 0, len(steps))
	for _, step := range steps {
		description := step.Description
		if description == "" {
			description = step.Purpose
		}
		defs = append(defs, StepDefinition{
			ID:          step.FormTemplate,
			Title:       formatTitle(step.FormTemplate),
			Description: description,
		})
	}
	return defs
}

// EntryForm returns the flow's entry form template id, or the default when
// the metadata does not name one.
func EntryForm(flow *models.FlowDefinition) string {
	if flow == nil || flow.Metadata.EntryForm == "" {
		return DefaultEntryForm
	}
	return flow.Metadata.EntryForm
}

// formatTitle turns a template identifier like "hinge-selection" into
// "Hinge Selection".
func formatTitle(templateID string) string {
	words := strings.Split(templateID, "-")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
