// Package syncer implements the peer synchronization protocol between
// centers.
//
// One session is a pull: the importing center sends its watermark matrix,
// the exporting center answers with every change the importer lacks, the
// importer applies them and acknowledges with a receipt. Both sides record
// the attempt in a sync record that is closed exactly once.
//
// # Session State Machine
//
//	open -> request -> identity check -> apply -> receipt -> close
//
// Any failure after open closes the record with the error. A failure after
// the peer answered also sends an error receipt, so the exporter counts the
// attempt against the retry budget of every change it carried.
//
// # Conflict Resolution
//
// Incoming changes are grouped by fact: subject type, change type, major and
// minor subject, and whether the change is an existence change (create or
// delete) or a modification. Within a fact, the last incoming occurrence
// wins unless the local history holds something strictly newer. The change
// record itself is always imported, even when its effect is suppressed.
//
// # Concurrency
//
// Sessions with different peers run concurrently. Applying changes to the
// application's data set holds the synchronizer's merge lock.
package syncer
