package delta

import (
	"reflect"
	"testing"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/model"
)

func entry(agent, mountPoint, state string) *model.SystemEntry {
	return &model.SystemEntry{
		Agent:      agent,
		MountPoint: mountPoint,
		EntryState: state,
		Script:     "ivy:/app/1.0",
	}
}

func child(agent, mountPoint, parent, state string) *model.SystemEntry {
	e := entry(agent, mountPoint, state)
	e.Parent = parent
	return e
}

func buildModel(t *testing.T, fabric string, entries ...*model.SystemEntry) *model.SystemModel {
	t.Helper()
	b := model.NewBuilder(fabric)
	for _, e := range entries {
		b.AddEntry(e)
	}
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m
}

func computeDelta(t *testing.T, expected, current *model.SystemModel, filter Filter) *SystemModelDelta {
	t.Helper()
	md, err := NewEngine(DefaultConfig()).ComputeDelta(expected, current, filter)
	if err != nil {
		t.Fatalf("ComputeDelta() error = %v", err)
	}
	return md
}

func key(agent, mountPoint string) model.Key {
	return model.Key{Agent: agent, MountPoint: mountPoint}
}

func TestComputeDelta_Classification(t *testing.T) {
	withError := entry("h1", "/err", "running")
	withError.Metadata = map[string]any{"error": "script failed"}

	newScript := entry("h1", "/delta", "running")
	newScript.Script = "ivy:/app/2.0"

	tagged := entry("h1", "/warn", "running")
	tagged.Tags = []string{"web"}

	expected := buildModel(t, "prod",
		entry("h1", "/new", "running"),
		entry("h1", "/err", "running"),
		entry("h1", "/lag", "running"),
		newScript,
		entry("h1", "/ok", "running"),
		tagged,
	)
	current := buildModel(t, "prod",
		entry("h1", "/gone", "running"),
		withError,
		entry("h1", "/lag", "stopped"),
		entry("h1", "/delta", "running"),
		entry("h1", "/ok", "running"),
		entry("h1", "/warn", "running"),
	)

	md := computeDelta(t, expected, current, nil)

	tests := []struct {
		mountPoint string
		state      engine.DeltaState
		status     engine.DeltaStatus
	}{
		{"/new", engine.DeltaStateError, engine.DeltaStatusNotDeployed},
		{"/gone", engine.DeltaStateError, engine.DeltaStatusUnexpected},
		{"/err", engine.DeltaStateError, engine.DeltaStatusError},
		{"/lag", engine.DeltaStateError, engine.DeltaStatusNotExpectedState},
		{"/delta", engine.DeltaStateError, engine.DeltaStatusDelta},
		{"/ok", engine.DeltaStateOK, engine.DeltaStatusExpectedState},
		{"/warn", engine.DeltaStateWarn, engine.DeltaStatusExpectedState},
	}

	for _, tt := range tests {
		t.Run(tt.mountPoint, func(t *testing.T) {
			ed := md.FindEntryDelta(key("h1", tt.mountPoint))
			if ed == nil {
				t.Fatal("missing delta")
			}
			if ed.State() != tt.state || ed.Status() != tt.status {
				t.Errorf("got %s/%s, want %s/%s", ed.State(), ed.Status(), tt.state, tt.status)
			}
		})
	}

	if got := md.FindEntryDelta(key("h1", "/delta")).ErrorValueKeys(); !reflect.DeepEqual(got, []string{"script"}) {
		t.Errorf("ErrorValueKeys() = %v", got)
	}
	if !md.HasErrorDelta() {
		t.Error("expected HasErrorDelta")
	}
	if len(md.ErrorDeltas()) != 5 {
		t.Errorf("ErrorDeltas() = %d, want 5", len(md.ErrorDeltas()))
	}
}

func TestComputeDelta_FabricMismatch(t *testing.T) {
	_, err := NewEngine(DefaultConfig()).ComputeDelta(buildModel(t, "a"), buildModel(t, "b"), nil)
	if !engine.IsInvariant(err) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestNewEntryDelta_Invariants(t *testing.T) {
	if _, err := NewEntryDelta(DefaultConfig(), nil, nil); !engine.IsInvariant(err) {
		t.Errorf("expected invariant error for nil entries, got %v", err)
	}
	_, err := NewEntryDelta(DefaultConfig(), entry("h1", "/a", "running"), entry("h1", "/b", "running"))
	if !engine.IsInvariant(err) {
		t.Errorf("expected invariant error for mismatched keys, got %v", err)
	}
}

func TestConfig_IsKeyIncluded(t *testing.T) {
	cfg := DefaultConfig()
	for _, k := range []string{"parent", "script", "entryState", "initParameters.port"} {
		if !cfg.IsKeyIncluded(k) {
			t.Errorf("expected %q to be included", k)
		}
	}
	for _, k := range []string{"tags", "metadata.error", "agent"} {
		if cfg.IsKeyIncluded(k) {
			t.Errorf("expected %q to be ignored", k)
		}
	}

	cfg.ExcludedKeys = []string{"initParameters.buildNumber"}
	if cfg.IsKeyIncluded("initParameters.buildNumber") {
		t.Error("excluded key must not be included")
	}
}

func TestComputeDelta_ExcludedKeys(t *testing.T) {
	e := entry("h1", "/a", "running")
	e.InitParameters = map[string]any{"buildNumber": 2}
	c := entry("h1", "/a", "running")
	c.InitParameters = map[string]any{"buildNumber": 1}

	expected := buildModel(t, "prod", e)
	current := buildModel(t, "prod", c)

	md := computeDelta(t, expected, current, nil)
	if md.FindEntryDelta(key("h1", "/a")).Status() != engine.DeltaStatusDelta {
		t.Fatal("init parameter change should be a delta with the default rule")
	}

	cfg := DefaultConfig()
	cfg.ExcludedKeys = []string{"initParameters.buildNumber"}
	md, err := NewEngine(cfg).ComputeDelta(expected, current, nil)
	if err != nil {
		t.Fatalf("ComputeDelta() error = %v", err)
	}
	if got := md.FindEntryDelta(key("h1", "/a")).Status(); got != engine.DeltaStatusExpectedState {
		t.Errorf("status = %s, want expectedState", got)
	}
}

func TestComputeDelta_DependentKeys(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
		entry("h1", "/other", "running"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
		entry("h1", "/other", "stopped"),
	)

	md := computeDelta(t, expected.FilterBy(model.PropertyFilter{Name: "mountPoint", Value: "/p/c"}), current, nil)

	if got := md.Keys(); !reflect.DeepEqual(got, []model.Key{key("h1", "/p/c")}) {
		t.Errorf("Keys() = %v", got)
	}
	if got := md.AllKeys(); !reflect.DeepEqual(got, []model.Key{key("h1", "/p"), key("h1", "/p/c")}) {
		t.Errorf("AllKeys() = %v", got)
	}
	pd := md.FindEntryDelta(key("h1", "/p"))
	if !pd.IsDependent() {
		t.Error("parent should be a dependent delta")
	}
	if pd.ExpectedEntry() == nil || pd.CurrentEntry() == nil {
		t.Errorf("dependent delta should compare both entries, got %s", pd)
	}
	if got := md.EntryDeltas(); len(got) != 1 || got[0].Key() != key("h1", "/p/c") {
		t.Errorf("EntryDeltas() = %v, want the visible child only", got)
	}
	if md.FindEntryDelta(key("h1", "/other")) != nil {
		t.Error("unrelated entry must not be considered")
	}
	if md.HasErrorDelta() {
		t.Error("no visible delta is in error")
	}
}

func TestComputeDelta_DependentErrorsIgnored(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "stopped"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
	)

	md := computeDelta(t, expected.FilterBy(model.PropertyFilter{Name: "mountPoint", Value: "/p"}), current, nil)

	cd := md.FindEntryDelta(key("h1", "/p/c"))
	if !cd.IsDependent() || !cd.HasErrorDelta() {
		t.Fatalf("child should be a dependent delta in error, got %s", cd)
	}
	if md.HasErrorDelta() {
		t.Error("dependent errors must not be aggregated")
	}
}

func TestComputeDelta_ParentDelta(t *testing.T) {
	p := entry("h1", "/p", "running")
	p.Script = "ivy:/app/2.0"

	expected := buildModel(t, "prod",
		p,
		child("h1", "/p/c", "/p", "running"),
		child("h1", "/p/c/g", "/p/c", "running"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
		child("h1", "/p/c/g", "/p/c", "running"),
	)

	md := computeDelta(t, expected, current, nil)

	if got := md.FindEntryDelta(key("h1", "/p")).Status(); got != engine.DeltaStatusDelta {
		t.Errorf("parent status = %s, want delta", got)
	}
	for _, mp := range []string{"/p/c", "/p/c/g"} {
		if got := md.FindEntryDelta(key("h1", mp)).Status(); got != engine.DeltaStatusParentDelta {
			t.Errorf("%s status = %s, want parentDelta", mp, got)
		}
	}
}

func TestComputeDelta_RaisesFilteredOutParent(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "stopped"),
		child("h1", "/p/c", "/p", "stopped"),
	)

	md := computeDelta(t, expected.FilterBy(model.PropertyFilter{Name: "mountPoint", Value: "/p/c"}), current, nil)

	pd := md.FindEntryDelta(key("h1", "/p"))
	if pd.IsDependent() {
		t.Fatal("parent should have been brought back into scope")
	}
	if !pd.IsAdjusted() || pd.ExpectedState() != "running" {
		t.Errorf("parent expected state = %q, adjusted = %v", pd.ExpectedState(), pd.IsAdjusted())
	}
	if pd.Status() != engine.DeltaStatusNotExpectedState {
		t.Errorf("parent status = %s", pd.Status())
	}
}

func TestComputeDelta_RaisesShallowParent(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/p", "installed"),
		child("h1", "/p/c", "/p", "running"),
	)
	current := buildModel(t, "prod")

	md := computeDelta(t, expected, current, nil)

	if got := md.FindEntryDelta(key("h1", "/p")).ExpectedState(); got != "running" {
		t.Errorf("parent expected state = %q, want running", got)
	}
}

func TestComputeDelta_RemovesChildrenOfRemovedParent(t *testing.T) {
	expected := buildModel(t, "prod",
		child("h1", "/p/c", "/p", "running"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
	)

	md := computeDelta(t, expected, current.FilterBy(model.PropertyFilter{Name: "mountPoint", Value: "/p"}), nil)

	cd := md.FindEntryDelta(key("h1", "/p/c"))
	if cd.Status() != engine.DeltaStatusUnexpected || cd.IsDependent() {
		t.Errorf("child = %s dependent=%v, want unexpected in scope", cd, cd.IsDependent())
	}
}

func TestComputeDelta_FilterCrossRestriction(t *testing.T) {
	expected := buildModel(t, "prod", entry("h1", "/a", "running"), entry("h2", "/a", "running"))
	current := buildModel(t, "prod", entry("h1", "/a", "running"), entry("h2", "/a", "stopped"))

	md := computeDelta(t, expected, current.FilterBy(model.AgentFilter("h1")), nil)

	if got := md.Keys(); !reflect.DeepEqual(got, []model.Key{key("h1", "/a")}) {
		t.Errorf("Keys() = %v, want only h1 (h2 filtered out on the current side)", got)
	}
}

func TestComputeDelta_OperationFilter(t *testing.T) {
	expected := buildModel(t, "prod", entry("h1", "/run", "running"), entry("h1", "/stop", "stopped"))
	current := buildModel(t, "prod", entry("h1", "/run", "running"), entry("h1", "/stop", "stopped"))

	md := computeDelta(t, expected, current, BounceFilter)
	if got := md.Keys(); !reflect.DeepEqual(got, []model.Key{key("h1", "/run")}) {
		t.Errorf("Keys() = %v", got)
	}
}

func TestComputeDelta_EmptyAgents(t *testing.T) {
	expected := buildModel(t, "prod", entry("h1", "/a", "running"))
	b := model.NewBuilder("prod").AddAgents("h1", "h2").AddEntry(entry("h1", "/a", "running"))
	current, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	md := computeDelta(t, expected, current, nil)

	agents := md.EmptyAgents()
	if len(agents) != 1 || agents[0].Key().Agent != "h2" {
		t.Fatalf("EmptyAgents() = %v", agents)
	}
	if agents[0].State() != engine.DeltaStateNA || !agents[0].IsEmptyAgent() {
		t.Errorf("empty agent delta = %s", agents[0])
	}
	if md.FindEntryDelta(agents[0].Key()) != nil {
		t.Error("empty agents must not be regular deltas")
	}
	if md.Summary()[engine.DeltaStatusEmptyAgent] != 1 {
		t.Errorf("Summary() = %v", md.Summary())
	}
}

func TestComputeDelta_Idempotent(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/p", "running"),
		child("h1", "/p/c", "/p", "running"),
		entry("h2", "/x", "stopped"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/p", "stopped"),
		entry("h2", "/y", "running"),
	)

	first := computeDelta(t, expected, current, nil)
	second := computeDelta(t, expected, current, nil)

	if !reflect.DeepEqual(first.AllKeys(), second.AllKeys()) {
		t.Fatalf("key sets differ: %v vs %v", first.AllKeys(), second.AllKeys())
	}
	for _, k := range first.AllKeys() {
		a, b := first.FindEntryDelta(k), second.FindEntryDelta(k)
		if a.Status() != b.Status() || a.State() != b.State() {
			t.Errorf("%s: %s vs %s", k, a, b)
		}
	}
}

func TestComputeDelta_Completeness(t *testing.T) {
	expected := buildModel(t, "prod",
		entry("h1", "/a", "running"),
		entry("h1", "/b", "running"),
		child("h1", "/b/c", "/b", "stopped"),
	)
	current := buildModel(t, "prod",
		entry("h1", "/b", "running"),
		child("h1", "/b/c", "/b", "stopped"),
		entry("h1", "/d", "running"),
	)

	md := computeDelta(t, expected, current, nil)

	all := map[model.Key]bool{}
	for _, k := range expected.AllKeys() {
		all[k] = true
	}
	for _, k := range current.AllKeys() {
		all[k] = true
	}
	for k := range all {
		ed := md.FindEntryDelta(k)
		if ed == nil {
			t.Errorf("missing delta for %s", k)
			continue
		}
		if ed.HasErrorDelta() && ed.Status() == engine.DeltaStatusExpectedState {
			t.Errorf("%s is both in error and in expected state", k)
		}
	}
}
