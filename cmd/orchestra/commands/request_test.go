package commands

import (
	"testing"

	"github.com/openfroyo/orchestra/pkg/model"
	"github.com/openfroyo/orchestra/pkg/plan"
	"github.com/openfroyo/orchestra/pkg/planner"
)

func TestRequestFlags(t *testing.T) {
	web := &model.SystemEntry{Agent: "h1", MountPoint: "/app", Tags: []string{"web"}}
	db := &model.SystemEntry{Agent: "h2", MountPoint: "/pg", Tags: []string{"db"}}

	tests := []struct {
		name      string
		flags     requestFlags
		wantErr   bool
		wantMatch map[*model.SystemEntry]bool
	}{
		{
			name:  "no filter",
			flags: requestFlags{operation: planner.PlanTypeDeploy},
		},
		{
			name:      "agents",
			flags:     requestFlags{operation: planner.PlanTypeDeploy, agents: []string{"h2", "h3"}},
			wantMatch: map[*model.SystemEntry]bool{web: false, db: true},
		},
		{
			name:      "tags",
			flags:     requestFlags{operation: planner.PlanTypeUndeploy, tags: []string{"web"}},
			wantMatch: map[*model.SystemEntry]bool{web: true, db: false},
		},
		{
			name:      "agents and tags",
			flags:     requestFlags{operation: planner.PlanTypeDeploy, agents: []string{"h1"}, tags: []string{"db"}},
			wantMatch: map[*model.SystemEntry]bool{web: false, db: false},
		},
		{
			name:    "bad step type",
			flags:   requestFlags{operation: planner.PlanTypeDeploy, stepType: "diagonal"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.flags.request()
			if (err != nil) != tt.wantErr {
				t.Fatalf("request() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantMatch == nil {
				if req.Filter != nil {
					t.Error("unexpected filter")
				}
				return
			}
			for entry, want := range tt.wantMatch {
				if got := req.Filter.Match(nil, entry); got != want {
					t.Errorf("Match(%s) = %v, want %v", entry.Key(), got, want)
				}
			}
		})
	}
}

func TestRequestFlags_AgentUpgrade(t *testing.T) {
	flags := requestFlags{operation: planner.PlanTypeAgentUpgrade, agents: []string{"h1"}, stepType: "sequential"}
	req, err := flags.request()
	if err != nil {
		t.Fatal(err)
	}
	if req.Filter != nil || len(req.Agents) != 1 || req.StepType != plan.StepTypeSequential {
		t.Errorf("request = %+v", req)
	}
}
