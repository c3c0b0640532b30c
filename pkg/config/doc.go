// Package config loads the orchestrator configuration and the system models
// it operates on.
//
// # Application configuration
//
// AppConfig is read from YAML on top of DefaultAppConfig and checked with
// struct validation tags plus the telemetry rules:
//
//	fabric: prod
//	agents:
//	  prod:
//	    h1: https://h1.example.com:8443
//	models:
//	  expected: models/expected.cue
//	  current: models/current.yaml
//	plan:
//	  stepType: parallel
//	  maxParallelSteps: 8
//	executor:
//	  leafConcurrency: 16
//	retry:
//	  retries: 3
//	  backoff: 1s
//	agentRate:
//	  perSecond: 5
//	  burst: 10
//	policy:
//	  enabled: true
//	  protected: ["h1:/db"]
//	  leafBudget: 200
//
// # System models
//
// ModelLoader reads model documents from YAML, JSON, CUE and Starlark
// sources and unifies them as CUE values, so a model may be spread across
// files and constrained with CUE definitions:
//
//	fabric: "prod"
//	agents: ["h1"]
//	entries: {
//	    "h1:/app": {entryState: "running", initParameters: replicas: 2}
//	    "h1:/app/cache": parent: "/app"
//	}
//
// Decoded documents are validated against the built-in #SystemModel schema
// (see SchemaRegistry). Errors carry the file, position and path of the
// offending value.
//
// A Starlark model script assigns the document fields as globals:
//
//	fabric = "prod"
//	entries = [{"agent": a, "mountPoint": "/app"} for a in hosts]
//
// # Filters
//
// StarlarkFilter selects entries with a boolean expression over the entry
// fields and plugs into both model filtering and delta computation.
//
// # Watching
//
// ModelWatcher reloads a model when its sources change, debouncing bursts of
// file system events.
package config
