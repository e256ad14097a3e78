package policy

import (
	"time"

	"github.com/usewisp/wisp/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block a change.
	SeverityWarning Severity = "warning"

	// SeverityError drops the change from the commit.
	SeverityError Severity = "error"

	// SeverityCritical drops the change from the commit.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if a violation of this severity denies the change.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Path is the file path of the offending change.
	Path string `json:"path,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// toEngine converts the violation to the orchestrator's shape.
func (v PolicyViolation) toEngine() engine.Violation {
	return engine.Violation{
		Path:     v.Path,
		Policy:   v.Policy,
		Message:  v.Message,
		Severity: string(v.Severity),
	}
}

// PolicyResult is the outcome of evaluating one change.
type PolicyResult struct {
	// Allowed indicates if the change may be committed.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists findings that don't block the change.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// ChangeInput is the Rego input document for one file change.
type ChangeInput struct {
	Change  ChangeDocument  `json:"change"`
	Project ProjectDocument `json:"project"`
	Context *PolicyContext  `json:"context"`
}

// ChangeDocument describes the file a change would write.
type ChangeDocument struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Description string `json:"description"`

	// Size is the content length in bytes.
	Size int `json:"size"`

	// Lines is the number of content lines.
	Lines int `json:"lines"`
}

// ProjectDocument identifies the project a change belongs to.
type ProjectDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Purpose is "feature" or "fix".
	Purpose string `json:"purpose"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies shipped as one JSON file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
