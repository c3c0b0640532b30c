package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func leaf(name string) ActionDescriptor {
	return ActionDescriptor{Name: name, Values: map[string]string{"agent": "h1"}}
}

func TestBuilder_ToPlan(t *testing.T) {
	b := NewBuilder(WithID("p1")).SetMetadata(MetaName, "deploy")
	root := b.Sequential().SetMetadata("phase", "all")
	root.AddLeaf(leaf("install"))
	par := root.AddParallel()
	par.AddLeaf(leaf("configure"))
	par.AddLeafWithMetadata(leaf("start"), map[string]string{"retries": "2"})

	p := b.ToPlan()

	if p.ID() != "p1" || p.Name() != "deploy" {
		t.Errorf("plan id/name = %s/%s", p.ID(), p.Name())
	}
	if p.Root().Type() != StepTypeSequential {
		t.Errorf("root type = %s", p.Root().Type())
	}
	if p.LeafStepsCount() != 3 {
		t.Fatalf("LeafStepsCount() = %d, want 3", p.LeafStepsCount())
	}

	leaves := p.LeafSteps()
	names := []string{}
	for _, l := range leaves {
		names = append(names, l.Action().Name)
	}
	if strings.Join(names, ",") != "install,configure,start" {
		t.Errorf("leaf order = %v", names)
	}
	if leaves[2].Metadata()["retries"] != "2" || leaves[2].Metadata()[MetaAction] != "start" {
		t.Errorf("leaf metadata = %v", leaves[2].Metadata())
	}
	if p.FindStep(leaves[1].ID()) != leaves[1] {
		t.Error("FindStep did not return the leaf")
	}
}

func TestBuilder_EmptyPlan(t *testing.T) {
	p := NewBuilder().ToPlan()
	if p.Root() != nil || p.HasLeafSteps() {
		t.Error("expected an empty plan")
	}
	if p.ID() == "" {
		t.Error("expected a generated id")
	}
}

func TestBuilder_Immutable(t *testing.T) {
	b := NewBuilder()
	root := b.Sequential()
	root.AddLeaf(leaf("a"))
	p := b.ToPlan()

	root.AddLeaf(leaf("b"))
	if p.LeafStepsCount() != 1 {
		t.Error("changes after ToPlan must not leak into the plan")
	}

	md := p.Root().Metadata()
	md["x"] = "y"
	if _, ok := p.Root().Metadata()["x"]; ok {
		t.Error("metadata must be copied")
	}
}

func TestBuilder_AddStepRenumbers(t *testing.T) {
	other := NewBuilder()
	seq := other.Sequential()
	seq.AddLeaf(leaf("stop"))
	seq.AddLeaf(leaf("start"))
	adopted := other.ToPlan().Root()

	b := NewBuilder()
	root := b.Parallel()
	root.AddLeaf(leaf("install"))
	root.AddStep(adopted)
	root.AddStep(adopted)
	p := b.ToPlan()

	ids := make(map[string]bool)
	err := p.Walk(func(s Step) error {
		if ids[s.ID()] {
			return fmt.Errorf("duplicate step id %s", s.ID())
		}
		ids[s.ID()] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 8 {
		t.Errorf("plan has %d steps, want 8", len(ids))
	}
	if p.LeafStepsCount() != 5 {
		t.Errorf("LeafStepsCount() = %d, want 5", p.LeafStepsCount())
	}
	if adopted.ID() != "step-1" {
		t.Errorf("adopted step was changed, id = %s", adopted.ID())
	}
	for _, l := range p.LeafSteps() {
		if p.FindStep(l.ID()) != l {
			t.Errorf("FindStep(%s) did not return the leaf", l.ID())
		}
	}
}

func TestBuilder_ParallelBucketing(t *testing.T) {
	tests := []struct {
		m, p        int
		wantBuckets int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{4, 1, 4},
		{5, 5, 0},
		{5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_by_%d", tt.m, tt.p), func(t *testing.T) {
			b := NewBuilder(WithMaxParallelSteps(tt.p))
			root := b.Parallel()
			for i := 0; i < tt.m; i++ {
				root.AddLeaf(leaf(fmt.Sprintf("a%d", i)))
			}
			p := b.ToPlan()

			if p.LeafStepsCount() != tt.m {
				t.Errorf("leaf count = %d, want %d", p.LeafStepsCount(), tt.m)
			}

			rootStep := p.Root().(*CompositeStep)
			if tt.wantBuckets == 0 {
				if rootStep.Type() != StepTypeParallel || len(rootStep.Steps()) != tt.m {
					t.Errorf("expected an untouched parallel step")
				}
				return
			}

			if rootStep.Type() != StepTypeSequential {
				t.Fatalf("root type = %s, want sequential", rootStep.Type())
			}
			buckets := rootStep.Steps()
			if len(buckets) != tt.wantBuckets {
				t.Fatalf("buckets = %d, want %d", len(buckets), tt.wantBuckets)
			}
			for i, bucket := range buckets {
				c := bucket.(*CompositeStep)
				if c.Type() != StepTypeParallel || len(c.Steps()) > tt.p {
					t.Errorf("bucket %d: type %s with %d steps", i, c.Type(), len(c.Steps()))
				}
				if c.Metadata()[MetaBucket] != fmt.Sprint(i+1) {
					t.Errorf("bucket %d metadata = %v", i, c.Metadata())
				}
			}
		})
	}
}

func TestWalk_SkipChildren(t *testing.T) {
	b := NewBuilder()
	root := b.Sequential()
	root.AddParallel().AddLeaf(leaf("hidden"))
	root.AddLeaf(leaf("visible"))
	p := b.ToPlan()

	var seen []string
	err := p.Walk(func(s Step) error {
		if s.Type() == StepTypeParallel {
			return ErrSkipChildren
		}
		if l, ok := s.(*LeafStep); ok {
			seen = append(seen, l.Action().Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if strings.Join(seen, ",") != "visible" {
		t.Errorf("visited leaves = %v", seen)
	}
}

func TestPlan_ToXML(t *testing.T) {
	b := NewBuilder(WithID("p1")).SetMetadata(MetaName, "test")
	b.Sequential().AddLeaf(leaf("start"))

	out, err := b.ToPlan().ToXML()
	if err != nil {
		t.Fatalf("ToXML() error = %v", err)
	}

	for _, want := range []string{
		`<plan id="p1" name="test">`,
		`<sequential id="step-1">`,
		`<leaf id="step-2" action="start" agent="h1">`,
		`</sequential>`,
		`</plan>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("xml missing %q:\n%s", want, out)
		}
	}
}

func TestPlan_JSON(t *testing.T) {
	b := NewBuilder(WithID("p1"))
	b.Parallel().AddLeaf(leaf("start"))
	p := b.ToPlan()

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var doc struct {
		ID    string `json:"id"`
		Steps []struct {
			Type  StepType `json:"type"`
			Steps []struct {
				Type     StepType          `json:"type"`
				Metadata map[string]string `json:"metadata"`
			} `json:"steps"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if doc.ID != "p1" || len(doc.Steps) != 1 || doc.Steps[0].Type != StepTypeParallel {
		t.Fatalf("unexpected document %s", data)
	}
	if doc.Steps[0].Steps[0].Metadata[MetaAction] != "start" {
		t.Errorf("leaf metadata = %v", doc.Steps[0].Steps[0].Metadata)
	}

	list, err := StepsToJSON(p.LeafSteps()[0])
	if err != nil || !strings.HasPrefix(string(list), `[{"id":"step-2","type":"leaf"`) {
		t.Errorf("StepsToJSON() = %s, %v", list, err)
	}
}
