// Package stores provides the persistence layer of the orchestrator. The
// SQLite store keeps the history of plan executions with their step events,
// the summaries of computed deltas and an audit trail. The schema is
// embedded and applied with golang-migrate.
package stores
