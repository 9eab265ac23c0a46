// Package keeper defines the RecordKeeper contract shared by the durable
// (package store) and ephemeral (package memkeeper) change logs, and the
// pieces both implementations reuse: transactions, the persister boundary,
// the monotonic time stamper and entity reference bookkeeping.
//
// A RecordKeeper is an explicit context object. It is constructed by the
// process that runs the synchronizer and passed to every operation; there
// is no package-level state.
package keeper
