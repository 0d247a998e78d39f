// Package flow provides the execution state machine for one flow instance.
//
// An Executor holds the accumulated answer state and the current position
// over a filtered step list, and resolves forward navigation by evaluating
// step conditions against that state.
package flow

import (
	"log/slog"
	"math"

	"github.com/quoteflowhq/QuoteFlow/internal/expr"
	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Executor wraps one flow instance: accumulated flow state, current
// position, and next/previous step resolution.
type Executor struct {
	flow             *models.FlowDefinition
	filteredSteps    []models.Step
	state            map[string]any
	currentStepIndex int
}

// NewExecutor creates an Executor over a flow and its pre-filtered step
// list. The initial state is copied; callers keep ownership of their map.
func NewExecutor(flow *models.FlowDefinition, filteredSteps []models.Step, initialState map[string]any) *Executor {
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	slog.Debug("Executor created", "steps", len(filteredSteps), "initial_keys", len(state))
	return &Executor{
		flow:          flow,
		filteredSteps: filteredSteps,
		state:         state,
	}
}

// UpdateState merges validated form data into the flow state. The merge is a
// non-destructive union: new keys override, keys written by earlier steps
// survive. No navigation decision happens here.
func (e *Executor) UpdateState(stepID string, data map[string]any) {
	for k, v := range data {
		e.state[k] = v
	}
	slog.Debug("Executor state updated", "step_id", stepID, "keys", len(e.state))
}

// GetState returns a copy of the accumulated flow state.
func (e *Executor) GetState() map[string]any {
	state := make(map[string]any, len(e.state))
	for k, v := range e.state {
		state[k] = v
	}
	return state
}

// SetCurrentStepIndex positions the executor directly, used when resuming a
// session or jumping via tab navigation. It does not re-run condition
// checks; callers must have established that the target is reachable.
func (e *Executor) SetCurrentStepIndex(index int) {
	e.currentStepIndex = index
}

// GetCurrentStepIndex returns the executor's position in the filtered steps.
func (e *Executor) GetCurrentStepIndex() int {
	return e.currentStepIndex
}

// FindNextStep scans steps strictly after the current index and returns the
// first data-collection step whose condition (or absence of one) is
// satisfied against the current flow state, or nil when none remain. The
// scan is forward-only and single-pass: a step skipped here does not
// retroactively reappear if a later answer satisfies its condition.
func (e *Executor) FindNextStep() *models.Step {
	for i := e.currentStepIndex + 1; i < len(e.filteredSteps); i++ {
		step := e.filteredSteps[i]
		if step.FormType != models.FormTypeDataCollection {
			continue
		}
		if e.evaluateCondition(&step) {
			slog.Debug("Executor next step found", "index", i, "form_template", step.FormTemplate)
			return &e.filteredSteps[i]
		}
	}
	slog.Debug("Executor no more steps, flow complete")
	return nil
}

// StepByIndex returns the step at an index without condition checks, or nil
// when out of range.
func (e *Executor) StepByIndex(index int) *models.Step {
	if index < 0 || index >= len(e.filteredSteps) {
		return nil
	}
	return &e.filteredSteps[index]
}

// GetContextValues projects the flow state onto the requested field names,
// used to prefill a newly shown form with previously collected answers.
// Fields absent from the state are omitted.
func (e *Executor) GetContextValues(fieldNames []string) map[string]any {
	values := make(map[string]any)
	for _, name := range fieldNames {
		if v, ok := e.state[name]; ok {
			values[name] = v
		}
	}
	return values
}

// IsComplete reports whether the executor has reached or passed the last
// filtered step.
func (e *Executor) IsComplete() bool {
	return e.currentStepIndex >= len(e.filteredSteps)-1
}

// Progress returns the 1-based current step, the total step count, and a
// rounded completion percentage.
func (e *Executor) Progress() (current, total, percentage int) {
	current = e.currentStepIndex + 1
	total = len(e.filteredSteps)
	if total > 0 {
		percentage = int(math.Round(float64(current) / float64(total) * 100))
	}
	return current, total, percentage
}

// Reset returns the executor to the first step with an empty state.
func (e *Executor) Reset() {
	e.currentStepIndex = 0
	e.state = make(map[string]any)
	slog.Debug("Executor reset")
}

// VisibleSteps returns every step whose condition holds under the current
// state, regardless of position. Useful for debugging and progress display.
func (e *Executor) VisibleSteps() []models.Step {
	var visible []models.Step
	for i := range e.filteredSteps {
		if e.evaluateCondition(&e.filteredSteps[i]) {
			visible = append(visible, e.filteredSteps[i])
		}
	}
	return visible
}

// evaluateCondition checks a step's condition against the current flow
// state. A malformed condition is logged and treated as not satisfied, so
// navigation degrades to skipping the step rather than halting the flow.
func (e *Executor) evaluateCondition(step *models.Step) bool {
	if step.Condition == nil {
		return true
	}

	var (
		ok  bool
		err error
	)
	if step.Condition.Parent != "" {
		ok, err = expr.EvaluateCompound(step.Condition.Parent, step.Condition.Expression, e.state)
	} else {
		ok, err = expr.Evaluate(step.Condition.Expression, e.state)
	}
	if err != nil {
		slog.Error("Executor condition evaluation failed, skipping step", "error", err, "form_template", step.FormTemplate)
		return false
	}
	return ok
}
