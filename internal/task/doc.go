// Package task drives trackable units of background work through their lifecycle.
//
// A Record carries the identity, type and status of one unit of work. An Executor
// runs an Operation on behalf of a Record and reports lifecycle events (start,
// progress, stop, abort, completion, failure). A Manager tracks the active
// executors, fans the events out to registered listeners and decides whether a
// failed run is started again.
//
// Status transitions follow a fixed table (see CanTransition). Setters do not
// enforce it; executors are responsible for respecting it.
package task
