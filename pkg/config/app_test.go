package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/plan"
)

const sampleConfig = `
fabric: prod
agents:
  prod:
    h1: https://h1.example.com:8443
    h2: https://h2.example.com:8443
models:
  expected: models/expected.cue
  current: models/current.yaml
plan:
  stepType: sequential
  maxParallelSteps: 4
executor:
  leafConcurrency: 8
retry:
  retries: 5
  backoff: 2s
agentRate:
  perSecond: 2.5
  burst: 5
policy:
  enabled: true
  mode: advisory
  protected: ["h1:/db"]
  leafBudget: 100
telemetry:
  logging:
    level: debug
`

func TestParseAppConfig(t *testing.T) {
	cfg, err := ParseAppConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseAppConfig() error = %v", err)
	}

	if cfg.Fabric != "prod" {
		t.Errorf("Fabric = %q", cfg.Fabric)
	}
	if cfg.StepType() != plan.StepTypeSequential {
		t.Errorf("StepType() = %s", cfg.StepType())
	}
	if cfg.Plan.MaxParallelSteps != 4 {
		t.Errorf("MaxParallelSteps = %d", cfg.Plan.MaxParallelSteps)
	}
	if cfg.Executor.LeafConcurrency != 8 {
		t.Errorf("LeafConcurrency = %d", cfg.Executor.LeafConcurrency)
	}
	if p := cfg.RetryPolicy(); p.Retries != 5 || p.Backoff != 2*time.Second || p.MaxBackoff != 30*time.Second {
		t.Errorf("RetryPolicy() = %+v", p)
	}
	if cfg.AgentRate.PerSecond != 2.5 || cfg.AgentRate.Burst != 5 {
		t.Errorf("AgentRate = %+v", cfg.AgentRate)
	}
	if cfg.Policy.Enforcing() {
		t.Error("advisory policy reported as enforcing")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
	// Defaults survive partial sections.
	if cfg.Telemetry.ServiceName != "orchestra" {
		t.Errorf("service name = %q, want default", cfg.Telemetry.ServiceName)
	}
	if len(cfg.Delta.IncludedKeys) == 0 {
		t.Error("delta inclusion rule lost its defaults")
	}

	provider, err := cfg.URIProvider()
	if err != nil {
		t.Fatalf("URIProvider() error = %v", err)
	}
	uri, err := provider.GetAgentURI("prod", "h2")
	if err != nil || uri.Host != "h2.example.com:8443" {
		t.Errorf("GetAgentURI(h2) = %v, %v", uri, err)
	}
}

func TestParseAppConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "fabric: prod\nshiny: true\n"},
		{name: "empty fabric", yaml: "fabric: \"\"\n"},
		{name: "bad agent uri", yaml: "agents:\n  prod:\n    h1: not a uri\n"},
		{name: "bad step type", yaml: "plan:\n  stepType: diagonal\n"},
		{name: "negative concurrency", yaml: "executor:\n  leafConcurrency: -1\n"},
		{name: "bad policy mode", yaml: "policy:\n  mode: lenient\n"},
		{name: "bad log level", yaml: "telemetry:\n  logging:\n    level: loud\n"},
		{name: "not yaml", yaml: "fabric: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAppConfig([]byte(tt.yaml)); err == nil {
				t.Error("ParseAppConfig() accepted an invalid configuration")
			}
		})
	}
}

func TestParseAppConfig_ValidationErrorCode(t *testing.T) {
	_, err := ParseAppConfig([]byte("fabric: \"\"\n"))
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Fatalf("error = %v, want a validation EngineError", err)
	}
	var me *ModelError
	if !errors.As(err, &me) || len(me.Errors) != 1 || me.Errors[0].Path != "AppConfig.Fabric" {
		t.Errorf("validation details = %+v", me)
	}
}

func TestParseAppConfig_Empty(t *testing.T) {
	cfg, err := ParseAppConfig(nil)
	if err != nil {
		t.Fatalf("ParseAppConfig(nil) error = %v", err)
	}
	if cfg.Fabric != DefaultAppConfig().Fabric {
		t.Errorf("Fabric = %q, want the default", cfg.Fabric)
	}
	if cfg.StepType() != plan.StepTypeParallel {
		t.Errorf("StepType() = %s, want parallel", cfg.StepType())
	}
	if cfg.Policy.Enforcing() {
		t.Error("disabled policy reported as enforcing")
	}
}

func TestLoadAppConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig() error = %v", err)
	}
	if cfg.Models.Expected != "models/expected.cue" {
		t.Errorf("Models.Expected = %q", cfg.Models.Expected)
	}

	if _, err := LoadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadAppConfig() accepted a missing file")
	}
}
