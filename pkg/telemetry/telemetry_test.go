package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/executor"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("planner").
		WithPlanID("plan-1").
		WithEntry("h1", "/app")

	logger.Info("planned")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"component":   "planner",
		"plan_id":     "plan-1",
		"agent":       "h1",
		"mount_point": "/app",
		"message":     "planned",
		"level":       "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("field %s = %v, want %q", k, line[k], v)
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	logger.Warn("shown")
	if buf.Len() == 0 {
		t.Error("warn not logged")
	}

	if _, err := NewLogger(LoggingConfig{Level: "verbose"}); err == nil {
		t.Error("NewLogger() accepted an invalid level")
	}
}

func TestFromContext_Default(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext() returned nil")
	}
	logger.Info("discarded")
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordPlanStarted("deploy")
	m.RecordPlanCompleted("deploy", engine.CompletionStatusCompleted, time.Second)
	m.RecordStepCompleted("leaf", engine.CompletionStatusCompleted)
	m.ObserveAction("start", engine.CompletionStatusCompleted, time.Second)
	m.RecordError(engine.NewPermanentError("boom", nil))
	m.SetDeltaSummary("f", map[engine.DeltaStatus]int{engine.DeltaStatusDelta: 1})

	if m.Registry() != nil {
		t.Error("disabled metrics have a registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("handler status = %d, want 404", rec.Code)
	}
	if m.StartMetricsServer(NewWriterLogger(io.Discard, "info").Zerolog()) != nil {
		t.Error("disabled metrics started a server")
	}
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetrics_DeltaSummary(t *testing.T) {
	m := newTestMetrics(t)

	m.SetDeltaSummary("prod", map[engine.DeltaStatus]int{
		engine.DeltaStatusDelta:       2,
		engine.DeltaStatusNotDeployed: 1,
	})
	m.SetDeltaSummary("prod", map[engine.DeltaStatus]int{
		engine.DeltaStatusExpectedState: 3,
	})

	if got := testutil.CollectAndCount(m.deltaEntries); got != 1 {
		t.Errorf("delta series = %d, want 1 after replacing the summary", got)
	}
	if got := testutil.ToFloat64(m.deltaEntries.WithLabelValues("prod", "expectedState")); got != 3 {
		t.Errorf("expectedState = %v, want 3", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordPlanBuilt("deploy", 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("handler status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("orchestra_plan_leaf_steps")) {
		t.Errorf("exposition lacks orchestra_plan_leaf_steps:\n%s", rec.Body.String())
	}
}

func leafAction(name string) plan.ActionDescriptor {
	return plan.ActionDescriptor{
		Name: name,
		Values: map[string]string{
			planner.ValueAgent:      "h1",
			planner.ValueMountPoint: "/app",
		},
	}
}

func TestInstrumentedExecution(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := &Telemetry{
		Logger:  NewWriterLogger(io.Discard, "info"),
		Tracer:  NewTracerWithProvider(provider, "test"),
		Metrics: newTestMetrics(t),
		Config:  DefaultConfig(),
	}

	b := plan.NewBuilder(plan.WithID("plan-1"))
	b.Sequential().AddLeaf(leafAction("install")).AddLeaf(leafAction("start"))
	p := b.ToPlan()

	leaf := executor.LeafStepExecutorFunc(func(ctx context.Context, step *plan.LeafStep) error {
		if step.Action().Name == "start" {
			return engine.NewPermanentError("start failed", nil).WithCode("BOOM")
		}
		return nil
	})

	ctx, span := tel.Tracer.StartPlanSpan(context.Background(), p, "prod", "deploy")
	pe, err := executor.New(tel.InstrumentLeafExecutor(leaf)).Execute(ctx, p, tel.NewExecutionTracker("deploy", span))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	status, err := pe.WaitForCompletion(context.Background())
	if err != nil {
		t.Fatalf("WaitForCompletion() error = %v", err)
	}
	<-pe.TrackerDone()
	span.End()

	if status != engine.CompletionStatusFailed {
		t.Errorf("status = %s, want FAILED", status)
	}

	m := tel.Metrics
	if got := testutil.ToFloat64(m.plansCompleted.WithLabelValues("deploy", "FAILED")); got != 1 {
		t.Errorf("plans completed FAILED = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activePlans); got != 0 {
		t.Errorf("active plans = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.stepsCompleted.WithLabelValues("leaf", "COMPLETED")); got != 1 {
		t.Errorf("completed leaves = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stepsCompleted.WithLabelValues("sequential", "FAILED")); got != 1 {
		t.Errorf("failed sequentials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("permanent", "BOOM")); got != 1 {
		t.Errorf("BOOM errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.stepDuration); got != 2 {
		t.Errorf("action duration series = %d, want 2", got)
	}

	spans := recorder.Ended()
	names := make(map[string]int)
	for _, s := range spans {
		names[s.Name()]++
	}
	if names["plan.execute"] != 1 || names["agent.install"] != 1 || names["agent.start"] != 1 {
		t.Fatalf("spans = %v", names)
	}
	var planSpan sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "plan.execute" {
			planSpan = s
		}
	}
	for _, s := range spans {
		if s.Name() != "plan.execute" && s.Parent().SpanID() != planSpan.SpanContext().SpanID() {
			t.Errorf("span %s is not a child of the plan span", s.Name())
		}
	}
	ends := 0
	for _, ev := range planSpan.Events() {
		if ev.Name == "step.end" {
			ends++
		}
	}
	if ends != 3 {
		t.Errorf("step.end events = %d, want 3", ends)
	}
}
