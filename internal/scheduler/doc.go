// Package scheduler owns the live schedule: one entry per enabled job,
// each with its next fire time and in-flight count.
//
// Entries are mutated by three paths (reconciliation, firing, completion),
// all serialized by a single mutex. Dispatch to the runner happens after
// the mutex is released, so a slow payload never blocks other fires.
package scheduler
