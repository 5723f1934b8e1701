// Package store persists tenantmig's own state: migration definitions,
// per-scope status rows, snapshot metadata, backup schedules and the audit
// trail.
//
// Tables live in the target database next to the business schema and are
// prefixed tm_. Every statement goes through an executor.Querier, so the
// same Store methods run on the pool or inside a transaction (see In).
//
// Status rows change only through Transition, a conditional UPDATE keyed on
// the current state. Concurrent runners racing for the same key observe
// exactly one winner.
package store
