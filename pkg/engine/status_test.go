package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []CompletionStatus
		want     CompletionStatus
	}{
		{"empty", nil, CompletionStatusCompleted},
		{"all completed", []CompletionStatus{CompletionStatusCompleted, CompletionStatusCompleted}, CompletionStatusCompleted},
		{"all skipped", []CompletionStatus{CompletionStatusSkipped, CompletionStatusSkipped}, CompletionStatusSkipped},
		{"one failed", []CompletionStatus{CompletionStatusCompleted, CompletionStatusFailed, CompletionStatusSkipped}, CompletionStatusFailed},
		{"mixed", []CompletionStatus{CompletionStatusCompleted, CompletionStatusSkipped}, CompletionStatusPartial},
		{"cancelled", []CompletionStatus{CompletionStatusCompleted, CompletionStatusCancelled}, CompletionStatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.statuses); got != tt.want {
				t.Errorf("AggregateStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompletionStatus_JSON(t *testing.T) {
	data, err := json.Marshal(CompletionStatusPartial)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"PARTIAL"` {
		t.Errorf("unexpected json %s", data)
	}

	var s CompletionStatus
	if err := json.Unmarshal([]byte(`"BOGUS"`), &s); err == nil {
		t.Error("expected validation error for unknown status")
	}
}

func TestDeltaStatus_NeedsRedeploy(t *testing.T) {
	if !DeltaStatusDelta.NeedsRedeploy() || !DeltaStatusParentDelta.NeedsRedeploy() {
		t.Error("delta and parentDelta require redeploy")
	}
	if DeltaStatusNotExpectedState.NeedsRedeploy() {
		t.Error("state lag does not require redeploy")
	}
	if err := DeltaStatus("nope").Validate(); err == nil {
		t.Error("expected invalid status")
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	ch := clock.After(time.Second)
	if clock.Waiters() != 1 {
		t.Fatalf("expected 1 waiter, got %d", clock.Waiters())
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("expected waiter to fire")
	}
	if clock.Waiters() != 0 {
		t.Errorf("expected no waiters left")
	}
}
