// Package engine holds the vocabulary shared by the orchestrator packages.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: state conflicts requiring retry
//   - Permanent: non-recoverable errors
//   - Invariant: construction defects (mismatched fabrics or keys); never recovered
//
// Use the helper functions to classify and inspect errors:
//
//	if engine.IsRetryable(err) {
//	    // retry the agent call
//	}
//
// # Status Tracking
//
//   - DeltaState: OK/WARN/ERROR/NA summary of an entry delta
//   - DeltaStatus: detailed category (expectedState, notDeployed, delta, ...)
//   - CompletionStatus: final status of an executed step
//     (COMPLETED/FAILED/SKIPPED/PARTIAL/CANCELLED)
//
// # Time
//
// Clock abstracts time for bounded waits. SystemClock is used in production and
// ManualClock in tests.
package engine
