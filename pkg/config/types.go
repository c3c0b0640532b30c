package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// AppConfig is the orchestrator configuration file.
type AppConfig struct {
	// Fabric is the fabric operated on when a command does not name one.
	Fabric string `yaml:"fabric" json:"fabric" validate:"required"`

	// Agents maps fabric -> agent -> agent URI.
	Agents map[string]map[string]string `yaml:"agents" json:"agents" validate:"dive,dive,required,url"`

	// Models locates the expected and current system models.
	Models ModelsConfig `yaml:"models" json:"models"`

	// Delta decides which mismatches are errors.
	Delta delta.Config `yaml:"delta" json:"delta"`

	// Plan controls how transition plans become executable plans.
	Plan PlanConfig `yaml:"plan" json:"plan"`

	// Executor controls plan execution.
	Executor executor.Config `yaml:"executor" json:"executor"`

	// Retry controls how failed agent calls are retried.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// AgentRate limits the actions sent to each agent.
	AgentRate RateConfig `yaml:"agentRate" json:"agentRate"`

	// Store configures the execution history database.
	Store stores.Config `yaml:"store" json:"store"`

	// Policy configures the policy gate run before apply.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`
}

// ModelsConfig locates the model files. Paths may point to YAML, JSON, CUE
// or Starlark files, or to a directory of CUE files.
type ModelsConfig struct {
	Expected string `yaml:"expected" json:"expected"`
	Current  string `yaml:"current" json:"current"`

	// Vars are passed to Starlark model scripts as predeclared values.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// PlanConfig controls plan materialization.
type PlanConfig struct {
	// StepType groups the transitions of one dependency level.
	StepType plan.StepType `yaml:"stepType" json:"stepType" validate:"omitempty,oneof=sequential parallel"`

	plan.Config `yaml:",inline"`
}

// RetryConfig controls the retries of agent calls.
type RetryConfig struct {
	Retries    int           `yaml:"retries" json:"retries" validate:"gte=0"`
	Backoff    time.Duration `yaml:"backoff" json:"backoff" validate:"gte=0"`
	MaxBackoff time.Duration `yaml:"maxBackoff" json:"maxBackoff" validate:"gte=0"`
}

// RateConfig is a token bucket. A zero PerSecond disables the limit.
type RateConfig struct {
	PerSecond float64 `yaml:"perSecond" json:"perSecond" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists rego or JSON policy files and directories.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	// Mode is the enforcement mode. Advisory mode reports violations
	// without blocking apply.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// Protected lists entry keys (agent:/mount/point) that must never be uninstalled.
	Protected []string `yaml:"protected,omitempty" json:"protected,omitempty"`

	// ProtectedTags protects every entry carrying one of these tags.
	ProtectedTags []string `yaml:"protectedTags,omitempty" json:"protectedTags,omitempty"`

	// LeafBudget warns about plans with more leaf steps. Zero disables the check.
	LeafBudget int `yaml:"leafBudget,omitempty" json:"leafBudget,omitempty" validate:"gte=0"`
}

// Enforcing reports whether violations block apply.
func (p PolicyConfig) Enforcing() bool {
	return p.Enabled && p.Mode != "advisory"
}

// ParsedModel is a system model document read from one or more sources.
type ParsedModel struct {
	// Document is the decoded model. It is nil when Errors is not empty.
	Document *model.Document `json:"document,omitempty"`

	// SourceFiles are the files that were read.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the sources were read.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists parse and validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error has severity error.
func (pm *ParsedModel) HasErrors() bool {
	for _, e := range pm.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Model builds the system model, failing on the first parse error.
func (pm *ParsedModel) Model() (*model.SystemModel, error) {
	if pm.HasErrors() || pm.Document == nil {
		return nil, &ModelError{Errors: pm.Errors}
	}
	return pm.Document.Model()
}

// Severities of a ValidationError.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g. "entries[2].mountPoint").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity" validate:"required,oneof=error warning"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc += fmt.Sprintf(":%d:%d", e.Line, e.Column)
	}
	if e.Path != "" {
		if loc != "" {
			loc += " "
		}
		loc += e.Path
	}
	if loc == "" {
		return e.Severity + ": " + e.Message
	}
	return loc + ": " + e.Severity + ": " + e.Message
}

// ModelError reports the errors that prevented a model from loading.
type ModelError struct {
	Errors []ValidationError
}

func (e *ModelError) Error() string {
	if len(e.Errors) == 0 {
		return "model has no document"
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid model (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
}
