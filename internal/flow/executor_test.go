package flow

import (
	"reflect"
	"testing"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

func testSteps() []models.Step {
	return []models.Step{
		{Order: 10, FormTemplate: "project-header", FormType: models.FormTypeDataCollection},
		{Order: 20, FormTemplate: "opening-type", FormType: models.FormTypeDataCollection,
			Condition: &models.Condition{Expression: "PRODUCT == 1"}},
		{Order: 30, FormTemplate: "hinge-selection", FormType: models.FormTypeDataCollection,
			Condition: &models.Condition{Parent: "PRODUCT == 1", Expression: "HINGES == 1"}},
		{Order: 40, FormTemplate: "write-output", FormType: models.FormTypeAction},
		{Order: 50, FormTemplate: "summary", FormType: models.FormTypeDataCollection},
	}
}

func TestFindNextStepUnconditional(t *testing.T) {
	e := NewExecutor(nil, testSteps(), nil)
	e.UpdateState("project-header", map[string]any{"PRODUCT": 2})

	next := e.FindNextStep()
	if next == nil {
		t.Fatal("expected a next step")
	}
	// PRODUCT == 2: both conditional steps skipped, action step skipped.
	if next.FormTemplate != "summary" {
		t.Errorf("expected summary, got %q", next.FormTemplate)
	}
}

func TestFindNextStepConditionSatisfied(t *testing.T) {
	e := NewExecutor(nil, testSteps(), nil)
	e.UpdateState("project-header", map[string]any{"PRODUCT": 1})

	next := e.FindNextStep()
	if next == nil || next.FormTemplate != "opening-type" {
		t.Fatalf("expected opening-type, got %+v", next)
	}

	e.SetCurrentStepIndex(1)
	e.UpdateState("opening-type", map[string]any{"HINGES": 1})
	next = e.FindNextStep()
	if next == nil || next.FormTemplate != "hinge-selection" {
		t.Fatalf("expected hinge-selection via compound condition, got %+v", next)
	}
}

func TestFindNextStepCompoundParentFails(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"PRODUCT": 0, "HINGES": 1})
	e.SetCurrentStepIndex(1)

	next := e.FindNextStep()
	if next == nil || next.FormTemplate != "summary" {
		t.Fatalf("expected compound step skipped when parent fails, got %+v", next)
	}
}

func TestFindNextStepExhausted(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"PRODUCT": 0})
	e.SetCurrentStepIndex(4)
	if next := e.FindNextStep(); next != nil {
		t.Errorf("expected nil at end of flow, got %+v", next)
	}
}

func TestMalformedConditionSkipsStep(t *testing.T) {
	steps := []models.Step{
		{Order: 10, FormTemplate: "first", FormType: models.FormTypeDataCollection},
		{Order: 20, FormTemplate: "broken", FormType: models.FormTypeDataCollection,
			Condition: &models.Condition{Expression: "do_evil(1)"}},
		{Order: 30, FormTemplate: "last", FormType: models.FormTypeDataCollection},
	}
	e := NewExecutor(nil, steps, nil)

	next := e.FindNextStep()
	if next == nil || next.FormTemplate != "last" {
		t.Fatalf("expected malformed condition to skip step, got %+v", next)
	}
}

func TestUpdateStateMergeSemantics(t *testing.T) {
	e := NewExecutor(nil, testSteps(), nil)

	e.UpdateState("project-header", map[string]any{"A": 1, "B": "x"})
	e.UpdateState("opening-type", map[string]any{"B": "y", "C": true})

	state := e.GetState()
	want := map[string]any{"A": 1, "B": "y", "C": true}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("merge mismatch: got %v, want %v", state, want)
	}
}

func TestUpdateStateIdempotent(t *testing.T) {
	data := map[string]any{"A": 1, "B": "x"}

	once := NewExecutor(nil, testSteps(), nil)
	once.UpdateState("s1", data)

	twice := NewExecutor(nil, testSteps(), nil)
	twice.UpdateState("s1", data)
	twice.UpdateState("s1", data)

	if !reflect.DeepEqual(once.GetState(), twice.GetState()) {
		t.Errorf("repeated identical merge changed state: %v vs %v", once.GetState(), twice.GetState())
	}
}

func TestGetStateReturnsCopy(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"A": 1})
	state := e.GetState()
	state["A"] = 99
	if e.GetState()["A"] != 1 {
		t.Errorf("GetState leaked internal map")
	}
}

func TestGetContextValues(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"WIDTH": 36, "HEIGHT": 84})

	values := e.GetContextValues([]string{"WIDTH", "DEPTH", "HEIGHT"})
	want := map[string]any{"WIDTH": 36, "HEIGHT": 84}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("GetContextValues = %v, want %v (absent fields omitted)", values, want)
	}
}

func TestStepByIndex(t *testing.T) {
	e := NewExecutor(nil, testSteps(), nil)
	if step := e.StepByIndex(0); step == nil || step.FormTemplate != "project-header" {
		t.Errorf("StepByIndex(0) = %+v", step)
	}
	if step := e.StepByIndex(-1); step != nil {
		t.Errorf("StepByIndex(-1) should be nil")
	}
	if step := e.StepByIndex(5); step != nil {
		t.Errorf("StepByIndex out of range should be nil")
	}
}

func TestProgressAndReset(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"A": 1})
	e.SetCurrentStepIndex(2)

	current, total, percentage := e.Progress()
	if current != 3 || total != 5 || percentage != 60 {
		t.Errorf("Progress = (%d, %d, %d)", current, total, percentage)
	}
	if e.IsComplete() {
		t.Errorf("flow should not be complete at index 2 of 5")
	}

	e.SetCurrentStepIndex(4)
	if !e.IsComplete() {
		t.Errorf("flow should be complete at last step")
	}

	e.Reset()
	if e.GetCurrentStepIndex() != 0 || len(e.GetState()) != 0 {
		t.Errorf("Reset did not clear position and state")
	}
}

func TestVisibleSteps(t *testing.T) {
	e := NewExecutor(nil, testSteps(), map[string]any{"PRODUCT": 1, "HINGES": 0})
	visible := e.VisibleSteps()
	// Unconditional steps plus opening-type; hinge-selection's child fails.
	var templates []string
	for _, s := range visible {
		templates = append(templates, s.FormTemplate)
	}
	want := []string{"project-header", "opening-type", "write-output", "summary"}
	if !reflect.DeepEqual(templates, want) {
		t.Errorf("VisibleSteps = %v, want %v", templates, want)
	}
}
