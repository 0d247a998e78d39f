// Package models defines flow definition structures for QuoteFlow.
package models

// FormType defines how a flow step participates in navigation.
type FormType string

const (
	// FormTypeDataCollection marks a step that renders a form and collects answers.
	FormTypeDataCollection FormType = "data-collection"
	// FormTypeAction marks a non-interactive step (file generation, persistence) skipped by navigation.
	FormTypeAction FormType = "action"
)

// IsValidFormType checks if the given form type is supported.
func IsValidFormType(ft FormType) bool {
	switch ft {
	case FormTypeDataCollection, FormTypeAction:
		return true
	default:
		return false
	}
}

// Condition is the boolean gate controlling a step's visibility. A compound
// condition carries a Parent expression that must hold before Expression is
// checked.
type Condition struct {
	Expression string `json:"expression"`
	Parent     string `json:"parent,omitempty"`
}

// Step is one node in a flow: an ordered, optionally conditional reference to
// a form template.
type Step struct {
	Order        int        `json:"order"`
	FormTemplate string     `json:"formTemplate"`
	FormType     FormType   `json:"formType"`
	Condition    *Condition `json:"condition,omitempty"`
	Description  string     `json:"description,omitempty"`
	Purpose      string     `json:"purpose,omitempty"`
	RevisionOnly bool       `json:"revisionOnly,omitempty"`
}

// FlowMetadata describes the provenance and entry point of a flow definition.
type FlowMetadata struct {
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
	EntryForm   string `json:"entryForm,omitempty"`
}

// MainFlow holds the ordered step sequence of a flow definition.
type MainFlow struct {
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// FlowDefinition is an immutable flow loaded by identifier: ordered steps
// with optional branching conditions.
type FlowDefinition struct {
	Metadata FlowMetadata `json:"metadata"`
	MainFlow MainFlow     `json:"mainFlow"`
}
