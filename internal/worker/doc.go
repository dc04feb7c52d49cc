// Package worker runs the background scheduler loop.
//
// A [Scheduler] claims one job at a time from the durable queue, dispatches it to the sync engine and turns the
// outcome into the next queue transition: completion, a continuation, a rate-limit deferral, an exponential
// backoff or a terminal failure. The same loop seeds recurring jobs for every user with a stored credential and
// publishes the liveness heartbeat read by the status server.
package worker
