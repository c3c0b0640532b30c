package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Entry is the agent:/mount/point key of the offending entry, if any.
	Entry string `json:"entry,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains additional violation details.
	Details map[string]any `json:"details,omitempty"`
}

func (v PolicyViolation) String() string {
	if v.Entry == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Entry, v.Message)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block operations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a POLICY_DENIED error listing the violations, or nil when the
// plan is allowed.
func (r *PolicyResult) Err() error {
	if r.Allowed {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.String()
	}
	return engine.NewPermanentError("plan denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", len(r.Violations))
}

// PolicyInput is the document policies are evaluated against (input).
type PolicyInput struct {
	// Plan is the execution plan being evaluated.
	Plan *PlanInput `json:"plan"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PlanInput summarizes a plan for policies.
type PlanInput struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Fabric    string        `json:"fabric"`
	LeafCount int           `json:"leaf_count"`
	Actions   []ActionInput `json:"actions"`
}

// ActionInput is one leaf of the plan.
type ActionInput struct {
	StepID     string   `json:"step_id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind,omitempty"`
	Agent      string   `json:"agent,omitempty"`
	MountPoint string   `json:"mount_point,omitempty"`
	Entry      string   `json:"entry,omitempty"`
	FromState  string   `json:"from_state,omitempty"`
	ToState    string   `json:"to_state,omitempty"`
	Skipped    bool     `json:"skipped"`
	Tags       []string `json:"tags,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}

// Settings are exposed to policies as data.orchestra.settings.
type Settings struct {
	// ProtectedEntries are entry keys that must never be uninstalled.
	ProtectedEntries []string `json:"protected_entries"`

	// ProtectedTags protect every entry carrying one of them.
	ProtectedTags []string `json:"protected_tags"`

	// LeafBudget is the leaf count above which plans are flagged. Zero disables it.
	LeafBudget int `json:"leaf_budget"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
