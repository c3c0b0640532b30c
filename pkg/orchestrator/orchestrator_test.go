package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/agents"
	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
	"github.com/openfroyo/orchestra/pkg/stores"
)

const expectedApp = `
fabric: prod
entries:
  - agent: h1
    mountPoint: /app
    tags: [web]
`

const currentDB = `
fabric: prod
entries:
  - agent: db1
    mountPoint: /pg
    tags: [db]
`

func writeModel(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, expected, current string) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultAppConfig()
	cfg.Fabric = "prod"
	cfg.Agents = map[string]map[string]string{
		"prod": {"h1": "http://h1:9000", "db1": "http://db1:9000"},
	}
	cfg.Models.Expected = filepath.Join(dir, "expected.yaml")
	cfg.Models.Current = filepath.Join(dir, "current.yaml")
	cfg.Retry = config.RetryConfig{}
	if expected != "" {
		writeModel(t, cfg.Models.Expected, expected)
	}
	if current != "" {
		writeModel(t, cfg.Models.Current, current)
	}
	return cfg
}

func openStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrchestrator(t *testing.T, cfg *config.AppConfig, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func waitRun(t *testing.T, run *Run) engine.CompletionStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return status
}

func auditActions(t *testing.T, store stores.Store) []string {
	t.Helper()
	entries, err := store.ListAuditEntries(context.Background(), nil, nil, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestOrchestrator_LoadModels(t *testing.T) {
	o := newOrchestrator(t, testConfig(t, expectedApp, ""))
	expected, current, err := o.LoadModels(context.Background())
	if err != nil {
		t.Fatalf("LoadModels() error = %v", err)
	}
	if expected.Size() != 1 || current.Size() != 0 || current.GetFabric() != "prod" {
		t.Errorf("models = %d/%d entries, current fabric %s", expected.Size(), current.Size(), current.GetFabric())
	}

	other := testConfig(t, "fabric: dev\n", "")
	other.Fabric = "prod"
	if _, _, err := newOrchestrator(t, other).LoadModels(context.Background()); err == nil {
		t.Error("LoadModels() accepted a model of another fabric")
	}

	if _, _, err := newOrchestrator(t, testConfig(t, "", "")).LoadModels(context.Background()); err == nil {
		t.Error("LoadModels() accepted a missing expected model")
	}
}

func TestOrchestrator_Plan(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, testConfig(t, expectedApp, currentDB), WithStore(store))

	planned, err := o.Plan(context.Background(), Request{Operation: planner.PlanTypeDeploy, StepType: plan.StepTypeSequential})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if planned.Policy != nil {
		t.Error("policy evaluated while disabled")
	}
	if got := planned.Plan.Metadata()[plan.MetaStepType]; got != string(plan.StepTypeSequential) {
		t.Errorf("step type = %s", got)
	}

	var actions []string
	for _, leaf := range planned.Plan.LeafSteps() {
		actions = append(actions, leaf.Action().Value(planner.ValueEntry)+" "+leaf.Action().Name)
	}
	joined := strings.Join(actions, ",")
	for _, want := range []string{"h1:/app install", "h1:/app start", "db1:/pg uninstall"} {
		if !strings.Contains(joined, want) {
			t.Errorf("plan leaves %v lack %q", actions, want)
		}
	}

	deltas, err := store.ListDeltas(context.Background(), "prod", 10)
	if err != nil || len(deltas) != 1 {
		t.Fatalf("ListDeltas() = %v, %v", deltas, err)
	}
	if deltas[0].Summary[string(engine.DeltaStatusNotDeployed)] != 1 || deltas[0].Summary[string(engine.DeltaStatusUnexpected)] != 1 {
		t.Errorf("delta summary = %v", deltas[0].Summary)
	}

	if _, err := o.Plan(context.Background(), Request{Operation: "explode"}); err == nil {
		t.Error("Plan() accepted an unknown operation")
	}
}

func TestOrchestrator_PlanWithFilter(t *testing.T) {
	o := newOrchestrator(t, testConfig(t, expectedApp, currentDB))
	planned, err := o.Plan(context.Background(), Request{
		Operation: planner.PlanTypeDeploy,
		Filter: delta.FilterFunc(func(expected, current *model.SystemEntry) bool {
			e := expected
			if e == nil {
				e = current
			}
			return e.Agent == "h1"
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, leaf := range planned.Plan.LeafSteps() {
		if agent := leaf.Action().Value(planner.ValueAgent); agent != "h1" {
			t.Errorf("filtered plan acts on %s", agent)
		}
	}
	if len(planned.Delta.Keys()) != 1 {
		t.Errorf("delta keys = %v", planned.Delta.Keys())
	}
}

func TestOrchestrator_Apply(t *testing.T) {
	store := openStore(t)
	o := newOrchestrator(t, testConfig(t, expectedApp, ""), WithStore(store), WithActor("alice"))

	run, err := o.Apply(context.Background(), Request{Operation: planner.PlanTypeDeploy})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if status := waitRun(t, run); status != engine.CompletionStatusCompleted {
		t.Fatalf("status = %s", status)
	}
	if !strings.Contains(run.Report(), `status="COMPLETED"`) {
		t.Errorf("report = %s", run.Report())
	}

	ctx := context.Background()
	id := run.Plan().ID()
	exec, err := store.GetExecution(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != stores.ExecutionStatusCompleted || exec.ReportXML == nil || exec.EndedAt == nil || exec.Error != nil {
		t.Errorf("execution = %+v", exec)
	}
	if exec.LeafSteps != run.Plan().LeafStepsCount() || exec.PlanType != planner.PlanTypeDeploy {
		t.Errorf("execution = %+v", exec)
	}

	events, err := store.ListStepEvents(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 || events[0].Kind != stores.StepEventPlanStart || events[len(events)-1].Kind != stores.StepEventPlanEnd {
		t.Errorf("events = %d, first %v", len(events), events)
	}

	actions := auditActions(t, store)
	if !contains(actions, AuditPlanApplied) || !contains(actions, AuditExecutionFinished) {
		t.Errorf("audit actions = %v", actions)
	}
	actor := "alice"
	if entries, _ := store.ListAuditEntries(ctx, nil, &actor, 10, 0); len(entries) != 2 {
		t.Errorf("audit entries by alice = %d", len(entries))
	}
}

func TestOrchestrator_ApplyFailure(t *testing.T) {
	store := openStore(t)
	client := agents.ClientFunc(func(_ context.Context, _ *url.URL, action plan.ActionDescriptor) error {
		if action.Name == "start" {
			return engine.NewPermanentError("start refused", nil)
		}
		return nil
	})
	o := newOrchestrator(t, testConfig(t, expectedApp, ""), WithStore(store), WithAgentClient(client))

	run, err := o.Apply(context.Background(), Request{Operation: planner.PlanTypeDeploy})
	if err != nil {
		t.Fatal(err)
	}
	if status := waitRun(t, run); status != engine.CompletionStatusFailed {
		t.Fatalf("status = %s", status)
	}
	exec, err := store.GetExecution(context.Background(), run.Plan().ID())
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != stores.ExecutionStatusFailed || exec.Error == nil || !strings.Contains(*exec.Error, "start refused") {
		t.Errorf("execution = %+v", exec)
	}
}

func TestOrchestrator_PolicyGate(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		wantDenied bool
	}{
		{name: "enforcing", mode: "enforcing", wantDenied: true},
		{name: "advisory", mode: "advisory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "fabric: prod\n", currentDB)
			cfg.Policy.Enabled = true
			cfg.Policy.Mode = tt.mode
			cfg.Policy.Protected = []string{"db1:/pg"}
			store := openStore(t)
			o := newOrchestrator(t, cfg, WithStore(store))

			planned, err := o.Plan(context.Background(), Request{Operation: planner.PlanTypeUndeploy})
			if err != nil {
				t.Fatal(err)
			}
			if planned.Policy == nil || planned.Policy.Allowed {
				t.Fatalf("policy result = %+v", planned.Policy)
			}

			run, err := o.Execute(context.Background(), planned)
			if tt.wantDenied {
				var ee *engine.EngineError
				if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
					t.Fatalf("Execute() error = %v, want POLICY_DENIED", err)
				}
				if !contains(auditActions(t, store), AuditPlanDenied) {
					t.Error("denial not audited")
				}
				if execs, _ := store.ListExecutions(context.Background(), stores.ExecutionFilter{}); len(execs) != 0 {
					t.Errorf("denied plan recorded %d executions", len(execs))
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if status := waitRun(t, run); status != engine.CompletionStatusCompleted {
				t.Errorf("status = %s", status)
			}
		})
	}
}

func TestOrchestrator_Watch(t *testing.T) {
	cfg := testConfig(t, expectedApp, "fabric: prod\n")
	o := newOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := o.Watch(ctx, Request{Operation: planner.PlanTypeDeploy})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	next := func() DeltaUpdate {
		t.Helper()
		select {
		case u := <-updates:
			return u
		case <-time.After(10 * time.Second):
			t.Fatal("no delta update")
		}
		return DeltaUpdate{}
	}

	first := next()
	if first.Err != nil || first.Delta.Summary()[engine.DeltaStatusNotDeployed] != 1 {
		t.Fatalf("first update = %+v", first)
	}

	writeModel(t, cfg.Models.Current, expectedApp)
	second := next()
	if second.Err != nil {
		t.Fatalf("second update error = %v", second.Err)
	}
	if second.Delta.Summary()[engine.DeltaStatusExpectedState] != 1 {
		t.Errorf("second summary = %v", second.Delta.Summary())
	}

	cancel()
	for range updates {
	}
}

func TestAllOf(t *testing.T) {
	h1 := &model.SystemEntry{Agent: "h1", MountPoint: "/app"}
	h2 := &model.SystemEntry{Agent: "h2", MountPoint: "/app"}
	byAgent := func(agent string) delta.Filter {
		return delta.FilterFunc(func(e, _ *model.SystemEntry) bool { return e.Agent == agent })
	}

	if allOf(nil, nil) != nil {
		t.Error("allOf(nil, nil) should be nil")
	}
	if f := allOf(nil, byAgent("h1")); !f.Match(h1, nil) || f.Match(h2, nil) {
		t.Error("single filter not used as is")
	}
	if f := allOf(byAgent("h1"), delta.RedeployFilter); !f.Match(h1, nil) || f.Match(h2, nil) {
		t.Error("combined filter mismatch")
	}
}
