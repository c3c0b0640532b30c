package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// DefaultConfigFile is read when no configuration file is given.
const DefaultConfigFile = "orchestra.yaml"

// DefaultAppConfig returns the configuration used for unset values.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Fabric: "default",
		Agents: make(map[string]map[string]string),
		Models: ModelsConfig{
			Expected: "expected.yaml",
			Current:  "current.yaml",
		},
		Delta: delta.DefaultConfig(),
		Plan: PlanConfig{
			StepType: plan.StepTypeParallel,
		},
		Retry: RetryConfig{
			Retries:    3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Store: stores.Config{
			Path:         ".orchestra/history.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Policy: PolicyConfig{
			Mode: "enforcing",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadAppConfig reads a YAML configuration file on top of the defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := ParseAppConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseAppConfig decodes a YAML configuration on top of the defaults and
// validates the result. Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var structValidator = validator.New()

// Validate checks struct constraints and the telemetry settings.
func (c *AppConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return engine.NewPermanentError("invalid configuration", &ModelError{Errors: fromValidatorErrors("", verrs)}).
				WithCode(engine.ErrCodeValidation)
		}
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewPermanentError("invalid telemetry configuration", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// RetryPolicy converts the retry settings for the agent leaf executor.
func (c *AppConfig) RetryPolicy() agents.RetryPolicy {
	return agents.RetryPolicy{
		Retries:    c.Retry.Retries,
		Backoff:    c.Retry.Backoff,
		MaxBackoff: c.Retry.MaxBackoff,
	}
}

// URIProvider builds the agent resolver from the agents table.
func (c *AppConfig) URIProvider() (*agents.StaticURIProvider, error) {
	return agents.NewStaticURIProvider(c.Agents)
}

// PlanOptions returns the builder options for plan materialization.
func (c *AppConfig) PlanOptions() []plan.Option {
	return []plan.Option{plan.WithConfig(c.Plan.Config)}
}

// StepType returns the configured level grouping, parallel by default.
func (c *AppConfig) StepType() plan.StepType {
	if c.Plan.StepType == "" {
		return plan.StepTypeParallel
	}
	return c.Plan.StepType
}

func fromValidatorErrors(file string, verrs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed on the '%s' rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the '%s=%s' rule", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			File:     file,
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: SeverityError,
		})
	}
	return out
}
