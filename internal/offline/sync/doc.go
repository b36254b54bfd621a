// Package sync drains the pending-operation queue into the remote backend.
//
// Writes go through Submit. While the backend is reachable they are
// dispatched immediately; when it is not, or when dispatch fails, they are
// appended to the durable queue and reported as deferred. Nothing the
// backend does can make Submit lose a write.
//
// Drain replays the queue in id order, one item at a time. Successful items
// are removed; failed items stay queued with an incremented attempt counter
// and the drain moves on to the next item. Items rejected permanently by
// the backend, or that exhaust Options.MaxAttempts, are moved to the
// dead-letter table.
//
// At most one drain runs at a time. A drain requested while another is in
// flight sets a rerun flag and returns at once; the running drain then makes
// one more pass, so items enqueued during a drain are never stranded.
//
// Run ties the orchestrator to a connectivity.Monitor: every offline to
// online transition triggers a drain.
package sync
