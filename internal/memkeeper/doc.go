// Package memkeeper provides the ephemeral RecordKeeper: the full
// keeper.RecordKeeper contract held in memory.
//
// All state is owned by one goroutine. Every operation is a closure
// submitted to that goroutine's queue; the caller waits for the reply or
// for its context. Persister calls that may block (decoding, releasing
// purged entities) run on the caller's goroutine after the reply.
//
// Searches run against an immutable memsearch snapshot of the log, rebuilt
// only when changes, sync records or associations moved since the last
// search.
package memkeeper
