// Package expr provides safe evaluation of flow condition expressions.
//
// Flow definitions are data, potentially edited outside strict code review,
// so conditions are attacker-adjacent. The evaluator accepts a small boolean
// DSL, rewrites it to native operators, validates the result against a
// character whitelist, and executes it with a closed recursive-descent
// interpreter: no function calls, no assignment, no statement chaining, no
// access to anything but the supplied context.
package expr

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// EvaluationError reports a condition that failed validation or evaluation.
// It names the original (pre-rewrite) expression.
type EvaluationError struct {
	Expression string
	Reason     string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate condition %q: %s", e.Expression, e.Reason)
}

func evalError(expression, format string, args ...any) *EvaluationError {
	return &EvaluationError{Expression: expression, Reason: fmt.Sprintf(format, args...)}
}

// DSL rewrite patterns: case-insensitive logical keywords on word boundaries.
var (
	andPattern = regexp.MustCompile(`(?i)\bAND\b`)
	orPattern  = regexp.MustCompile(`(?i)\bOR\b`)
	notPattern = regexp.MustCompile(`(?i)\bNOT\b`)
)

// allowedPattern whitelists the characters an expression may contain after
// rewriting: identifiers, digits, quotes, parentheses, and comparison/logical
// operators.
var allowedPattern = regexp.MustCompile(`^[\w\s'"()&|!<>=.+-]+$`)

// functionCallPattern matches an identifier immediately followed by an
// opening parenthesis. Grouping parentheses are allowed; calls are not.
var functionCallPattern = regexp.MustCompile(`[A-Za-z_]\w*\s*\(`)

// rewrite converts the flow-definition DSL to the evaluator's native
// operators: AND/OR/NOT to &&/||/!, <> to !=. Comparison operators pass
// through unchanged.
func rewrite(expression string) string {
	out := andPattern.ReplaceAllString(expression, "&&")
	out = orPattern.ReplaceAllString(out, "||")
	out = notPattern.ReplaceAllString(out, "!")
	out = strings.ReplaceAll(out, "<>", "!=")
	return strings.TrimSpace(out)
}

// validate checks the rewritten expression against the whitelist and rejects
// function calls, assignment, and statement chaining.
func validate(original, rewritten string) *EvaluationError {
	if !allowedPattern.MatchString(rewritten) {
		return evalError(original, "expression contains invalid characters")
	}
	if functionCallPattern.MatchString(rewritten) {
		return evalError(original, "function calls are not allowed in expressions")
	}
	for i := 0; i < len(rewritten); i++ {
		if rewritten[i] != '=' {
			continue
		}
		partOfComparison := false
		if i > 0 && strings.ContainsRune("<>!=", rune(rewritten[i-1])) {
			partOfComparison = true
		}
		if i+1 < len(rewritten) && rewritten[i+1] == '=' {
			partOfComparison = true
		}
		if !partOfComparison {
			return evalError(original, "assignment operators are not allowed")
		}
	}
	if strings.Contains(rewritten, ";") {
		return evalError(original, "semicolons are not allowed in expressions")
	}
	return nil
}

// Evaluate runs a flow condition expression against a flat variable context
// and returns its boolean-coerced result. An empty or whitespace-only
// expression is unconditional and evaluates to true. Variables absent from
// the context evaluate as nil rather than erroring.
func Evaluate(expression string, context map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	rewritten := rewrite(expression)
	if verr := validate(expression, rewritten); verr != nil {
		slog.Error("Evaluator rejected expression", "error", verr, "expression", expression)
		return false, verr
	}

	tokens, err := lex(rewritten)
	if err != nil {
		eerr := evalError(expression, "%v", err)
		slog.Error("Evaluator lexing failed", "error", eerr, "expression", expression)
		return false, eerr
	}

	p := &parser{tokens: tokens, context: context}
	value, err := p.parseOr()
	if err == nil && p.peek().kind != tokenEOF {
		err = fmt.Errorf("unexpected %q", p.peek().text)
	}
	if err != nil {
		eerr := evalError(expression, "%v", err)
		slog.Error("Evaluator evaluation failed", "error", eerr, "expression", expression)
		return false, eerr
	}

	result := truthy(value)
	slog.Debug("Evaluator Evaluate succeeded", "expression", expression, "result", result)
	return result, nil
}

// EvaluateCompound evaluates a compound {parent, child} condition. A
// non-empty parent that evaluates false short-circuits to false without
// evaluating the child; an empty child is unconditional.
func EvaluateCompound(parent, child string, context map[string]any) (bool, error) {
	if strings.TrimSpace(parent) != "" {
		ok, err := Evaluate(parent, context)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if strings.TrimSpace(child) != "" {
		return Evaluate(child, context)
	}
	return true, nil
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, token{kind: tokenString, text: input[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(input[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", input[i:j])
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[i:j], num: num})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(input) && isIdentPart(input[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: input[i:j]})
			i = j
		case c == '&' || c == '|':
			if i+1 >= len(input) || input[i+1] != c {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			tokens = append(tokens, token{kind: tokenOperator, text: input[i : i+2]})
			i += 2
		case c == '=':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
			tokens = append(tokens, token{kind: tokenOperator, text: "=="})
			i += 2
		case c == '!' || c == '<' || c == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokenOperator, text: input[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokenOperator, text: string(c)})
				i++
			}
		case c == '-':
			tokens = append(tokens, token{kind: tokenOperator, text: "-"})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	tokens = append(tokens, token{kind: tokenEOF})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// parser evaluates the token stream directly against the context. Grammar,
// loosest binding first: or -> and -> comparison -> unary -> primary.
type parser struct {
	tokens  []token
	pos     int
	context map[string]any
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	result := truthy(left)
	combined := false
	for p.peek().kind == tokenOperator && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		result = result || truthy(right)
		combined = true
	}
	if combined {
		return result, nil
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	result := truthy(left)
	combined := false
	for p.peek().kind == tokenOperator && p.peek().text == "&&" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		result = result && truthy(right)
		combined = true
	}
	if combined {
		return result, nil
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokenOperator {
		return left, nil
	}
	switch t.text {
	case "==", "!=", "<", ">", "<=", ">=":
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return compare(t.text, left, right), nil
	default:
		return left, nil
	}
}

func (p *parser) parseUnary() (any, error) {
	t := p.peek()
	if t.kind == tokenOperator && t.text == "!" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(operand), nil
	}
	if t.kind == tokenOperator && t.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		num, ok := numeric(operand)
		if !ok {
			return nil, fmt.Errorf("unary minus on non-numeric operand")
		}
		return -num, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		return t.num, nil
	case tokenString:
		return t.text, nil
	case tokenIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		value, ok := p.context[t.text]
		if !ok {
			slog.Debug("Evaluator variable not in context, defaulting to nil", "variable", t.text)
			return nil, nil
		}
		return value, nil
	case tokenLParen:
		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		return value, nil
	case tokenEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

// compare applies a comparison operator. Equality unifies numeric types and
// coerces booleans against the flow convention of 1/0 flags; relational
// operators compare two numbers or two strings and are false otherwise.
func compare(op string, left, right any) bool {
	switch op {
	case "==":
		return equals(left, right)
	case "!=":
		return !equals(left, right)
	}

	if ln, lok := numeric(left); lok {
		if rn, rok := numeric(right); rok {
			switch op {
			case "<":
				return ln < rn
			case ">":
				return ln > rn
			case "<=":
				return ln <= rn
			case ">=":
				return ln >= rn
			}
		}
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case "<":
				return ls < rs
			case ">":
				return ls > rs
			case "<=":
				return ls <= rs
			case ">=":
				return ls >= rs
			}
		}
	}
	return false
}

func equals(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	if left == nil || right == nil {
		return false
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		return ok && ls == rs
	}
	if _, ok := right.(string); ok {
		return false
	}
	ln, lok := numeric(left)
	rn, rok := numeric(right)
	if lok && rok {
		return ln == rn
	}
	return false
}

// numeric converts numbers and booleans to float64. Booleans map to 1/0 so
// form switches compare against the flow convention of integer flags.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// truthy applies boolean coercion to the final expression value: nil is
// false, numbers are true when non-zero, strings when non-empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := numeric(v); ok {
			return n != 0
		}
		return true
	}
}
