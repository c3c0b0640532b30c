package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func action(name, entry string, tags ...string) ActionInput {
	key, _ := model.ParseKey(entry)
	return ActionInput{
		StepID:     "s-" + name,
		Name:       name,
		Kind:       string(planner.KindTransition),
		Agent:      key.Agent,
		MountPoint: key.MountPoint,
		Entry:      entry,
		FromState:  "installed",
		ToState:    "<none>",
		Tags:       tags,
	}
}

func planInput(planType string, actions ...ActionInput) *PolicyInput {
	return &PolicyInput{
		Plan: &PlanInput{
			ID:        "p1",
			Type:      planType,
			Fabric:    "prod",
			LeafCount: len(actions),
			Actions:   actions,
		},
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := "leaf-budget,production-undeploy,protected-entries,skipped-transitions"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("ListPolicies() = %s, want %s", got, want)
	}

	if len(newTestEngine(t, WithoutBuiltins()).ListPolicies()) != 0 {
		t.Error("WithoutBuiltins() still loaded built-in policies")
	}
}

func TestEvaluatePlan_Builtins(t *testing.T) {
	settings := Settings{
		ProtectedEntries: []string{"db1:/pg"},
		ProtectedTags:    []string{"critical"},
		LeafBudget:       2,
	}

	skipped := action(planner.ActionNoop, "h9:/app")
	skipped.Skipped = true
	skipped.Kind = string(planner.KindMissingAgent)

	tests := []struct {
		name         string
		input        *PolicyInput
		wantAllowed  bool
		wantPolicies []string
		wantWarnings []string
	}{
		{
			name:        "nothing to report",
			input:       planInput(planner.PlanTypeDeploy, action("install", "h1:/app")),
			wantAllowed: true,
		},
		{
			name:         "protected entry uninstalled",
			input:        planInput(planner.PlanTypeUndeploy, action("uninstall", "db1:/pg")),
			wantPolicies: []string{PolicyProtectedEntries},
		},
		{
			name:         "protected tag uninstalled by script",
			input:        planInput(planner.PlanTypeRedeploy, action(planner.ActionUninstallScript, "h1:/cache", "critical")),
			wantPolicies: []string{PolicyProtectedEntries},
		},
		{
			name:        "protected entry only stopped",
			input:       planInput(planner.PlanTypeBounce, action("stop", "db1:/pg", "critical")),
			wantAllowed: true,
		},
		{
			name: "over budget",
			input: planInput(planner.PlanTypeDeploy,
				action("install", "h1:/a"), action("install", "h1:/b"), action("install", "h1:/c")),
			wantAllowed:  true,
			wantWarnings: []string{PolicyLeafBudget},
		},
		{
			name:         "skipped leaf",
			input:        planInput(planner.PlanTypeDeploy, skipped),
			wantAllowed:  true,
			wantWarnings: []string{PolicySkippedTransitions},
		},
		{
			name: "production undeploy",
			input: &PolicyInput{
				Plan:    planInput(planner.PlanTypeUndeploy, action("uninstall", "h1:/app")).Plan,
				Context: &PolicyContext{Environment: "production"},
			},
			wantPolicies: []string{PolicyProductionUndeploy},
		},
		{
			name: "production undeploy dry run",
			input: &PolicyInput{
				Plan:    planInput(planner.PlanTypeUndeploy, action("uninstall", "h1:/app")).Plan,
				Context: &PolicyContext{Environment: "production", DryRun: true},
			},
			wantAllowed: true,
		},
	}

	eng := newTestEngine(t, WithSettings(settings))
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluatePlan(ctx, tt.input)
			if err != nil {
				t.Fatalf("EvaluatePlan() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations: %v)", result.Allowed, tt.wantAllowed, result.Violations)
			}
			if got := violationPolicies(result.Violations); got != strings.Join(tt.wantPolicies, ",") {
				t.Errorf("violations = %s, want %v", got, tt.wantPolicies)
			}
			if got := violationPolicies(result.Warnings); got != strings.Join(tt.wantWarnings, ",") {
				t.Errorf("warnings = %s, want %v", got, tt.wantWarnings)
			}
			if len(result.EvaluatedPolicies) != 4 || len(result.Failures) != 0 {
				t.Errorf("evaluated %v, failures %v", result.EvaluatedPolicies, result.Failures)
			}
		})
	}
}

func violationPolicies(vs []PolicyViolation) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Policy
	}
	return strings.Join(names, ",")
}

func TestEvaluatePlan_ViolationFields(t *testing.T) {
	eng := newTestEngine(t, WithSettings(Settings{ProtectedEntries: []string{"db1:/pg"}}))
	result, err := eng.EvaluatePlan(context.Background(), planInput(planner.PlanTypeUndeploy, action("uninstall", "db1:/pg")))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Violations = %v", result.Violations)
	}
	v := result.Violations[0]
	if v.Entry != "db1:/pg" || v.Severity != SeverityError || !strings.Contains(v.Message, "uninstall") {
		t.Errorf("violation = %+v", v)
	}

	err = result.Err()
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("Err() = %v, want a POLICY_DENIED error", err)
	}
	if !strings.Contains(err.Error(), "db1:/pg") {
		t.Errorf("Err() = %v, missing the entry", err)
	}
}

func TestEngine_SetSettings(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := planInput(planner.PlanTypeUndeploy, action("uninstall", "db1:/pg", "db"))

	result, err := eng.EvaluatePlan(ctx, input)
	if err != nil || !result.Allowed {
		t.Fatalf("unprotected plan: %v, %v", result, err)
	}

	if err := eng.SetSettings(ctx, Settings{ProtectedTags: []string{"db"}}); err != nil {
		t.Fatalf("SetSettings() error = %v", err)
	}
	if got := eng.Settings().ProtectedTags; len(got) != 1 || got[0] != "db" {
		t.Errorf("Settings() = %+v", eng.Settings())
	}

	result, err = eng.EvaluatePlan(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Error("protected tag not enforced after SetSettings()")
	}
}

func TestEngine_EnableDisable(t *testing.T) {
	eng := newTestEngine(t, WithSettings(Settings{ProtectedEntries: []string{"db1:/pg"}}))
	ctx := context.Background()
	input := planInput(planner.PlanTypeUndeploy, action("uninstall", "db1:/pg"))

	if err := eng.DisablePolicy(PolicyProtectedEntries); err != nil {
		t.Fatal(err)
	}
	result, err := eng.EvaluatePlan(ctx, input)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed || len(result.EvaluatedPolicies) != 3 {
		t.Errorf("disabled policy still evaluated: %+v", result)
	}

	if err := eng.EnablePolicy(PolicyProtectedEntries); err != nil {
		t.Fatal(err)
	}
	if result, _ = eng.EvaluatePlan(ctx, input); result.Allowed {
		t.Error("re-enabled policy not evaluated")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("EnablePolicy() accepted an unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("GetPolicy() found an unknown policy")
	}
}

func TestEngine_AddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:    "no-stop",
		Enabled: true,
		Rego: `package test.nostop

import rego.v1

deny contains sprintf("%s stops", [a.entry]) if {
	some a in input.plan.actions
	a.name == "stop"
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	p, err := eng.GetPolicy("no-stop")
	if err != nil || p.Severity != SeverityWarning {
		t.Fatalf("GetPolicy() = %+v, %v", p, err)
	}

	result, err := eng.EvaluatePlan(ctx, planInput(planner.PlanTypeBounce, action("stop", "h1:/app")))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || result.Warnings[0].Message != "h1:/app stops" {
		t.Errorf("result = %+v", result)
	}

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package x\ndeny {"}); err == nil {
		t.Error("AddPolicy() accepted invalid rego")
	}
}

func TestEvaluatePlan_NoPlan(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluatePlan(context.Background(), &PolicyInput{}); err == nil {
		t.Error("EvaluatePlan() accepted an input without a plan")
	}
}

func buildModel(t *testing.T, entries ...*model.SystemEntry) *model.SystemModel {
	t.Helper()
	b := model.NewBuilder("prod")
	for _, e := range entries {
		b.AddEntry(e)
	}
	m, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewPlanInput(t *testing.T) {
	entries := func() []*model.SystemEntry {
		return []*model.SystemEntry{
			{Agent: "db1", MountPoint: "/pg", Tags: []string{"db"}},
			{Agent: "h1", MountPoint: "/app"},
		}
	}
	expected := buildModel(t, entries()...)
	current := buildModel(t, entries()...)

	md, err := delta.NewEngine(delta.DefaultConfig()).ComputeDelta(expected, current, planner.Undeploy.Filter)
	if err != nil {
		t.Fatal(err)
	}
	tp, err := planner.New().Plan(md, planner.Undeploy)
	if err != nil {
		t.Fatal(err)
	}
	p, err := tp.BuildPlan(plan.StepTypeParallel, plan.WithID("undeploy-1"))
	if err != nil {
		t.Fatal(err)
	}

	in := NewPlanInput(p, md)
	if in.ID != "undeploy-1" || in.Type != planner.PlanTypeUndeploy || in.Fabric != "prod" {
		t.Errorf("plan input = %+v", in)
	}
	if in.LeafCount != p.LeafStepsCount() || len(in.Actions) != in.LeafCount {
		t.Fatalf("leaf count = %d, actions = %d, plan = %d", in.LeafCount, len(in.Actions), p.LeafStepsCount())
	}

	var sawUninstall bool
	for _, a := range in.Actions {
		if a.Entry == "db1:/pg" {
			if len(a.Tags) != 1 || a.Tags[0] != "db" {
				t.Errorf("tags of %s = %v", a.Entry, a.Tags)
			}
			if a.Agent != "db1" || a.MountPoint != "/pg" {
				t.Errorf("action = %+v", a)
			}
		}
		if a.Name == "uninstall" || a.Name == planner.ActionUninstallScript {
			sawUninstall = true
		}
	}
	if !sawUninstall {
		t.Errorf("undeploy plan without uninstall: %+v", in.Actions)
	}

	eng := newTestEngine(t, WithSettings(Settings{ProtectedTags: []string{"db"}}))
	result, err := eng.EvaluatePlan(context.Background(), &PolicyInput{Plan: in})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || result.Violations[0].Entry != "db1:/pg" {
		t.Errorf("result = %+v", result)
	}
}
