package expr

import (
	"errors"
	"testing"
)

func TestEvaluateEmptyExpression(t *testing.T) {
	contexts := []map[string]any{nil, {}, {"A": 1}}
	for _, ctx := range contexts {
		for _, expression := range []string{"", "   ", "\t\n"} {
			result, err := Evaluate(expression, ctx)
			if err != nil {
				t.Fatalf("empty expression error: %v", err)
			}
			if !result {
				t.Errorf("empty expression %q: expected true", expression)
			}
		}
	}
}

func TestEvaluateLogicalOperators(t *testing.T) {
	cases := []struct {
		expression string
		context    map[string]any
		want       bool
	}{
		{"A AND B", map[string]any{"A": true, "B": false}, false},
		{"A AND B", map[string]any{"A": true, "B": true}, true},
		{"A OR B", map[string]any{"A": false, "B": true}, true},
		{"A or B", map[string]any{"A": false, "B": false}, false},
		{"NOT A", map[string]any{"A": false}, true},
		{"not A", map[string]any{"A": true}, false},
		{"A AND (B OR C)", map[string]any{"A": true, "B": false, "C": true}, true},
	}
	for _, c := range cases {
		got, err := Evaluate(c.expression, c.context)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", c.expression, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expression, got, c.want)
		}
	}
}

func TestEvaluateComparisons(t *testing.T) {
	cases := []struct {
		expression string
		context    map[string]any
		want       bool
	}{
		{"X == 1 OR Y <> 2", map[string]any{"X": 1, "Y": 2}, true},
		{"X == 1 AND Y <> 2", map[string]any{"X": 1, "Y": 2}, false},
		{"X <> 1", map[string]any{"X": 2}, true},
		{"X >= 10", map[string]any{"X": 10}, true},
		{"X < 10", map[string]any{"X": 10.5}, false},
		{"NAME == 'steel'", map[string]any{"NAME": "steel"}, true},
		{"NAME <> \"steel\"", map[string]any{"NAME": "brass"}, true},
		// Form switches report true/false while flow definitions compare against 1/0 flags.
		{"HINGES == 1", map[string]any{"HINGES": true}, true},
		{"HINGES == 0", map[string]any{"HINGES": false}, true},
		// JSON decoding produces float64; integer-valued answers must still match.
		{"COUNT == 3", map[string]any{"COUNT": float64(3)}, true},
	}
	for _, c := range cases {
		got, err := Evaluate(c.expression, c.context)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", c.expression, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expression, got, c.want)
		}
	}
}

func TestEvaluateMissingVariableDefaultsToNil(t *testing.T) {
	result, err := Evaluate("MISSING == 1", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Errorf("expected missing variable comparison to be false")
	}

	result, err = Evaluate("NOT MISSING", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Errorf("expected NOT of missing variable to be true")
	}
}

func TestEvaluateRejectsUnsafeInput(t *testing.T) {
	unsafe := []string{
		"evil(1)",
		"os_exit(0)",
		"A == 1; B == 2",
		"A = 1",
		"A == 1 AND B = 2",
		"A $ B",
		"A == `x`",
	}
	for _, expression := range unsafe {
		_, err := Evaluate(expression, map[string]any{"A": 1, "B": 2})
		if err == nil {
			t.Errorf("Evaluate(%q): expected rejection, got nil error", expression)
			continue
		}
		var eerr *EvaluationError
		if !errors.As(err, &eerr) {
			t.Errorf("Evaluate(%q): expected *EvaluationError, got %T", expression, err)
			continue
		}
		if eerr.Expression != expression {
			t.Errorf("Evaluate(%q): error names %q, want original expression", expression, eerr.Expression)
		}
	}
}

func TestEvaluateMalformedExpression(t *testing.T) {
	malformed := []string{"A AND", "== 1", "(A == 1", "A == == 1"}
	for _, expression := range malformed {
		if _, err := Evaluate(expression, map[string]any{"A": 1}); err == nil {
			t.Errorf("Evaluate(%q): expected error", expression)
		}
	}
}

func TestEvaluateCompoundShortCircuit(t *testing.T) {
	ctx := map[string]any{"P": false, "Q": true}

	// Child would raise if evaluated; the false parent must short-circuit first.
	result, err := EvaluateCompound("P == 1", "broken(", ctx)
	if err != nil {
		t.Fatalf("expected short-circuit, got error: %v", err)
	}
	if result {
		t.Errorf("expected false from failed parent")
	}

	result, err = EvaluateCompound("Q == 1", "P == 0", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Errorf("expected true when parent and child both hold")
	}

	// Empty child with satisfied parent is unconditional.
	result, err = EvaluateCompound("Q == 1", "", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Errorf("expected true for empty child")
	}

	// No parent falls through to the child alone.
	result, err = EvaluateCompound("", "Q == 1", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Errorf("expected true for child-only compound")
	}
}

func TestEvaluateTruthiness(t *testing.T) {
	cases := []struct {
		expression string
		context    map[string]any
		want       bool
	}{
		{"X", map[string]any{"X": 5}, true},
		{"X", map[string]any{"X": 0}, false},
		{"X", map[string]any{"X": "value"}, true},
		{"X", map[string]any{"X": ""}, false},
		{"X", map[string]any{}, false},
	}
	for _, c := range cases {
		got, err := Evaluate(c.expression, c.context)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", c.expression, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) with %v = %v, want %v", c.expression, c.context, got, c.want)
		}
	}
}
