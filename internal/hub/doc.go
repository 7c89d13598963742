// Package hub implements the connection registry and fan-out engine using
// the actor pattern.
//
// All registry state lives behind a single goroutine fed by a command channel
// (no mutexes). Broadcasts collect failing sinks during iteration and remove
// them afterwards, so any interleaving of disconnects, write failures, and
// maintenance is tolerated. Duplicate-connection drains run as a small state
// machine driven by one scheduled task list inside the actor.
package hub
