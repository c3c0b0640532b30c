package engine

import (
	"encoding/json"
	"fmt"
)

// DeltaState is the coarse classification of an entry delta.
type DeltaState string

const (
	// DeltaStateOK indicates the entry matches its expectation.
	DeltaStateOK DeltaState = "OK"

	// DeltaStateWarn indicates only informational keys differ (e.g. tags).
	DeltaStateWarn DeltaState = "WARN"

	// DeltaStateError indicates a mismatch that requires action.
	DeltaStateError DeltaState = "ERROR"

	// DeltaStateNA indicates the delta does not participate in classification.
	DeltaStateNA DeltaState = "NA"
)

// Validate checks if the delta state is valid.
func (s DeltaState) Validate() error {
	switch s {
	case DeltaStateOK, DeltaStateWarn, DeltaStateError, DeltaStateNA:
		return nil
	default:
		return fmt.Errorf("invalid delta state: %s", s)
	}
}

// DeltaStatus is the detailed category of an entry delta.
type DeltaStatus string

const (
	DeltaStatusExpectedState    DeltaStatus = "expectedState"
	DeltaStatusNotDeployed      DeltaStatus = "notDeployed"
	DeltaStatusUnexpected       DeltaStatus = "unexpected"
	DeltaStatusNotExpectedState DeltaStatus = "notExpectedState"
	DeltaStatusDelta            DeltaStatus = "delta"
	DeltaStatusError            DeltaStatus = "error"
	DeltaStatusParentDelta      DeltaStatus = "parentDelta"
	DeltaStatusEmptyAgent       DeltaStatus = "emptyAgent"
)

// NeedsRedeploy returns true if the entry must be torn down and reinstalled.
func (s DeltaStatus) NeedsRedeploy() bool {
	return s == DeltaStatusDelta || s == DeltaStatusParentDelta
}

// Validate checks if the delta status is valid.
func (s DeltaStatus) Validate() error {
	switch s {
	case DeltaStatusExpectedState, DeltaStatusNotDeployed, DeltaStatusUnexpected,
		DeltaStatusNotExpectedState, DeltaStatusDelta, DeltaStatusError,
		DeltaStatusParentDelta, DeltaStatusEmptyAgent:
		return nil
	default:
		return fmt.Errorf("invalid delta status: %s", s)
	}
}

// CompletionStatus represents the final status of an executed step.
type CompletionStatus string

const (
	// CompletionStatusCompleted indicates the step ran to completion.
	CompletionStatusCompleted CompletionStatus = "COMPLETED"

	// CompletionStatusFailed indicates the step (or one of its children) failed.
	CompletionStatusFailed CompletionStatus = "FAILED"

	// CompletionStatusSkipped indicates the step never ran.
	CompletionStatusSkipped CompletionStatus = "SKIPPED"

	// CompletionStatusPartial indicates a composite where some children
	// completed and others did not. Never used for leaves.
	CompletionStatusPartial CompletionStatus = "PARTIAL"

	// CompletionStatusCancelled indicates the step was cancelled while running.
	CompletionStatusCancelled CompletionStatus = "CANCELLED"
)

// IsSuccess returns true only for COMPLETED.
func (s CompletionStatus) IsSuccess() bool {
	return s == CompletionStatusCompleted
}

// Validate checks if the completion status is valid.
func (s CompletionStatus) Validate() error {
	switch s {
	case CompletionStatusCompleted, CompletionStatusFailed, CompletionStatusSkipped,
		CompletionStatusPartial, CompletionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid completion status: %s", s)
	}
}

// AggregateStatus folds child statuses into a composite status: FAILED if any
// child failed, COMPLETED if all completed, SKIPPED if all were skipped and
// PARTIAL otherwise. An empty list is COMPLETED.
func AggregateStatus(statuses []CompletionStatus) CompletionStatus {
	if len(statuses) == 0 {
		return CompletionStatusCompleted
	}
	completed, skipped := 0, 0
	for _, s := range statuses {
		switch s {
		case CompletionStatusFailed:
			return CompletionStatusFailed
		case CompletionStatusCompleted:
			completed++
		case CompletionStatusSkipped:
			skipped++
		}
	}
	switch {
	case completed == len(statuses):
		return CompletionStatusCompleted
	case skipped == len(statuses):
		return CompletionStatusSkipped
	default:
		return CompletionStatusPartial
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s CompletionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *CompletionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = CompletionStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeltaStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeltaStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeltaStatus(str)
	return s.Validate()
}
