package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/model"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]any
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("result = %v, want 4", sr.Output["result"])
				}
			},
		},
		{
			name:   "input variables",
			script: "doubled = count * 2\n",
			input:  map[string]any{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("doubled = %v, want 10", sr.Output["doubled"])
				}
			},
		},
		{
			name: "private globals and functions are dropped",
			script: `
_secret = 1
def helper():
    return "x"
public = helper()
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if len(sr.Output) != 1 || sr.Output["public"] != "x" {
					t.Errorf("Output = %v", sr.Output)
				}
			},
		},
		{
			name:   "structs and tuples",
			script: "s = struct(name = \"web\", port = 80)\npair = (1, \"a\")\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				s, ok := sr.Output["s"].(map[string]any)
				if !ok || s["name"] != "web" || s["port"] != int64(80) {
					t.Errorf("s = %v", sr.Output["s"])
				}
				pair, ok := sr.Output["pair"].([]any)
				if !ok || len(pair) != 2 || pair[1] != "a" {
					t.Errorf("pair = %v", sr.Output["pair"])
				}
			},
		},
		{name: "syntax error", script: "x = \n", wantErr: true},
		{name: "runtime error", script: "x = 1 // 0\n", wantErr: true},
		{name: "unsupported input", script: "x = 1\n", input: map[string]any{"ch": make(chan int)}, wantErr: true},
		{name: "non string dict key", script: "d = {1: 2}\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

_total = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Evaluate() error = %v, want a deadline error", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func filterEntry() *model.SystemEntry {
	return &model.SystemEntry{
		Agent:          "h1",
		MountPoint:     "/app",
		EntryState:     "running",
		Tags:           []string{"web", "edge"},
		InitParameters: map[string]any{"replicas": 3, "image": map[string]any{"tag": "v2"}},
	}
}

func TestStarlarkFilter(t *testing.T) {
	tests := []struct {
		expr    string
		want    bool
		evalErr bool
	}{
		{expr: `"web" in tags`, want: true},
		{expr: `"db" in tags`, want: false},
		{expr: `entryState == "running" and agent == "h1"`, want: true},
		{expr: `initParameters.get("replicas", 0) > 2`, want: true},
		{expr: `initParameters["image"]["tag"] == "v2"`, want: true},
		{expr: `parent == "/" and script == ""`, want: true},
		{expr: `metadata.get("owner") == None`, want: true},
		{expr: `mountPoint.startswith("/db")`, want: false},
		{expr: `unknown_name`, evalErr: true},
		{expr: `initParameters["missing"]`, evalErr: true},
	}

	entry := filterEntry()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := NewStarlarkFilter(tt.expr)
			if err != nil {
				t.Fatalf("NewStarlarkFilter() error = %v", err)
			}
			got, err := f.Eval(entry)
			if (err != nil) != tt.evalErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.evalErr)
			}
			if got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
			if f.Match(entry) != (tt.want && !tt.evalErr) {
				t.Errorf("Match() disagrees with Eval()")
			}
		})
	}
}

func TestStarlarkFilter_Compile(t *testing.T) {
	if _, err := NewStarlarkFilter(`"web" in`); err == nil {
		t.Error("NewStarlarkFilter() accepted an incomplete expression")
	}
	f, err := NewStarlarkFilter(`"web" in tags`)
	if err != nil {
		t.Fatal(err)
	}
	if f.String() != `starlark("web" in tags)` {
		t.Errorf("String() = %s", f.String())
	}
}

func TestStarlarkFilter_ModelAndDelta(t *testing.T) {
	db := &model.SystemEntry{Agent: "h1", MountPoint: "/db", Tags: []string{"storage"}}
	m, err := model.NewBuilder("prod").AddEntry(filterEntry()).AddEntry(db).Build()
	if err != nil {
		t.Fatal(err)
	}

	f, err := NewStarlarkFilter(`"web" in tags`)
	if err != nil {
		t.Fatal(err)
	}
	keys := m.FilterBy(f).FilteredKeys()
	if len(keys) != 1 || keys[0].MountPoint != "/app" {
		t.Errorf("FilteredKeys() = %v", keys)
	}

	df := f.DeltaFilter()
	if !df.Match(nil, filterEntry()) {
		t.Error("delta filter ignored the current entry of an unexpected pair")
	}
	if df.Match(db, filterEntry()) {
		t.Error("delta filter did not prefer the expected entry")
	}
	if df.Match(nil, nil) {
		t.Error("delta filter matched an empty pair")
	}
}
