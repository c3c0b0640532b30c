package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/orchestra/pkg/model"
)

const yamlModel = `
fabric: prod
agents: [h1]
entries:
  - agent: h1
    mountPoint: /app
    tags: [web]
    initParameters:
      replicas: 2
  - agent: h1
    mountPoint: /app/cache
    parent: /app
    entryState: stopped
`

const cueModel = `
fabric: "prod"
agents: ["h1", "h2"]
entries: {
	"h1:/app": {entryState: "running", tags: ["web"]}
	"h2:/db": script: "db.sh"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestModelLoader_ParseBytes(t *testing.T) {
	loader := NewModelLoader()
	ctx := context.Background()

	tests := []struct {
		name      string
		source    string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *ParsedModel)
	}{
		{
			name:    "yaml list",
			source:  "expected.yaml",
			content: yamlModel,
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				m, err := pm.Model()
				if err != nil {
					t.Fatalf("Model() error = %v", err)
				}
				if m.GetFabric() != "prod" || m.Size() != 2 {
					t.Errorf("model = %s with %d entries", m.GetFabric(), m.Size())
				}
				app := m.FindEntryByMountPoint("h1", "/app")
				if app == nil || app.EntryState != model.DefaultEntryState || !app.HasTag("web") {
					t.Errorf("app entry = %+v", app)
				}
				if cache := m.FindEntryByMountPoint("h1", "/app/cache"); cache == nil || cache.ParentKey() != app.Key() {
					t.Errorf("cache entry = %+v", cache)
				}
			},
		},
		{
			name:    "cue keyed entries",
			source:  "expected.cue",
			content: cueModel,
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				m, err := pm.Model()
				if err != nil {
					t.Fatalf("Model() error = %v", err)
				}
				db := m.FindEntry(model.Key{Agent: "h2", MountPoint: "/db"})
				if db == nil || db.Script != "db.sh" {
					t.Errorf("db entry = %+v", db)
				}
				if got := m.Agents(); len(got) != 2 {
					t.Errorf("Agents() = %v", got)
				}
			},
		},
		{
			name:    "json",
			source:  "current.json",
			content: `{"fabric": "prod", "entries": [{"agent": "h1", "mountPoint": "/app", "entryState": "installed"}]}`,
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				if pm.Document == nil || len(pm.Document.Entries) != 1 || pm.Document.Entries[0].EntryState != "installed" {
					t.Errorf("document = %+v", pm.Document)
				}
			},
		},
		{
			name:    "empty model",
			source:  "current.yaml",
			content: "fabric: prod\n",
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				m, err := pm.Model()
				if err != nil || m.Size() != 0 {
					t.Errorf("Model() = %v, %v", m, err)
				}
			},
		},
		{
			name:    "unknown field warns",
			source:  "expected.yaml",
			content: "fabric: prod\nowner: ops\nentries: []\n",
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				if pm.Document == nil {
					t.Fatalf("warning blocked the document: %v", pm.Errors)
				}
				if len(pm.Errors) != 1 || pm.Errors[0].Severity != SeverityWarning || pm.Errors[0].Path != "owner" {
					t.Errorf("Errors = %v", pm.Errors)
				}
			},
		},
		{
			name:    "cue syntax error",
			source:  "broken.cue",
			content: "fabric: \"prod\"\nentries: [\n",
			wantErr: true,
			checkFunc: func(t *testing.T, pm *ParsedModel) {
				if pm.Errors[0].File != "broken.cue" || pm.Errors[0].Line == 0 {
					t.Errorf("error lacks a position: %+v", pm.Errors[0])
				}
			},
		},
		{name: "invalid yaml", source: "expected.yaml", content: "fabric: [prod\n", wantErr: true},
		{name: "missing fabric", source: "expected.yaml", content: "entries: []\n", wantErr: true},
		{
			name:    "relative mount point",
			source:  "expected.yaml",
			content: "fabric: prod\nentries:\n  - agent: h1\n    mountPoint: app\n",
			wantErr: true,
		},
		{
			name:    "unknown entry state",
			source:  "expected.yaml",
			content: "fabric: prod\nentries:\n  - agent: h1\n    mountPoint: /app\n    entryState: flying\n",
			wantErr: true,
		},
		{
			name:    "key disagrees with entry",
			source:  "expected.cue",
			content: `fabric: "prod", entries: "h1:/app": {agent: "h2"}`,
			wantErr: true,
		},
		{
			name:    "conflicting cue values",
			source:  "expected.cue",
			content: "fabric: \"prod\"\nfabric: \"dev\"\n",
			wantErr: true,
		},
		{name: "unsupported format", source: "expected.toml", content: "fabric = 'prod'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := loader.ParseBytes(ctx, tt.source, []byte(tt.content))
			if pm.HasErrors() != tt.wantErr {
				t.Fatalf("HasErrors() = %v, want %v (errors: %v)", pm.HasErrors(), tt.wantErr, pm.Errors)
			}
			if tt.wantErr {
				if pm.Document != nil {
					t.Error("document returned despite errors")
				}
				if _, err := pm.Model(); err == nil {
					t.Error("Model() succeeded despite errors")
				}
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, pm)
			}
		})
	}
}

func TestModelLoader_UnifiesSources(t *testing.T) {
	dir := t.TempDir()
	schema := writeFile(t, dir, "policy.cue", `
fabric: "prod"
entries: [...{agent: "h1"}]
`)
	entries := writeFile(t, dir, "entries.yaml", `
entries:
  - agent: h1
    mountPoint: /app
`)

	loader := NewModelLoader()
	m, err := loader.Load(context.Background(), schema, entries)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.GetFabric() != "prod" || m.Size() != 1 {
		t.Errorf("model = %s with %d entries", m.GetFabric(), m.Size())
	}

	// The CUE constraint rejects entries of other agents.
	other := writeFile(t, dir, "other.yaml", `
entries:
  - agent: h2
    mountPoint: /app
`)
	pm, err := loader.Parse(context.Background(), []string{schema, other})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !pm.HasErrors() {
		t.Error("constraint violation not reported")
	}
	if len(pm.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v", pm.SourceFiles)
	}
}

func TestModelLoader_MissingSource(t *testing.T) {
	loader := NewModelLoader()
	if _, err := loader.Parse(context.Background(), nil); err == nil {
		t.Error("Parse() accepted no sources")
	}
	if _, err := loader.Parse(context.Background(), []string{filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Error("Parse() accepted a missing file")
	}
}

func TestModelLoader_Starlark(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "expected.star", `
_hosts = ["h1", "h2"]

def _entry(host):
    return {"agent": host, "mountPoint": "/app", "initParameters": {"replicas": replicas}}

fabric = "prod"
agents = _hosts
entries = [_entry(h) for h in _hosts]
`)

	loader := NewModelLoader(WithVars(map[string]any{"replicas": 3}))
	m, err := loader.Load(context.Background(), script)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", m.Size())
	}
	flat := m.FindEntryByMountPoint("h2", "/app").Flatten()
	if !model.ValuesEqual(flat["initParameters.replicas"], 3) {
		t.Errorf("replicas = %v", flat["initParameters.replicas"])
	}
}

func TestModelError_Message(t *testing.T) {
	err := &ModelError{Errors: []ValidationError{
		{File: "m.cue", Line: 3, Column: 7, Path: "entries", Message: "bad", Severity: SeverityError},
		{Message: "worse", Severity: SeverityError},
	}}
	msg := err.Error()
	for _, want := range []string{"2 errors", "m.cue:3:7 entries: error: bad", "error: worse"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
