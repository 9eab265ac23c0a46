package keeper

import (
	"context"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// PreparedSearch is a search compiled by a keeper for repeated execution.
// It is only valid with the keeper that prepared it.
type PreparedSearch interface {
	NumParams() int
}

// RecordKeeper stores the change log, the centers it replicates with and
// the audit trail of synchronization attempts.
//
// Implementations serialize ID allocation and change persistence; every
// other operation may run concurrently.
type RecordKeeper interface {
	// Registry returns the subject types changes are decoded with.
	Registry() *record.Registry
	// CenterID returns the global ID of this installation.
	CenterID() int

	// SelfCenter returns the "Here" center describing this installation.
	SelfCenter(ctx context.Context) (*record.Center, error)
	// Centers returns every center, deleted ones included.
	Centers(ctx context.Context) ([]*record.Center, error)
	// Center returns a center by row ID.
	Center(ctx context.Context, rowID int64) (*record.Center, error)
	// PutCenter inserts or updates a center. Each audited field that
	// changed emits one change unless txn is nil.
	PutCenter(ctx context.Context, txn *Txn, c *record.Center) error
	// RemoveCenter soft-deletes a center and emits a removal change.
	RemoveCenter(ctx context.Context, txn *Txn, c *record.Center) error
	// SetCenterID records the global ID a peer claimed on first contact.
	// It fails with CENTER_ID_IMMUTABLE when another ID is already set.
	SetCenterID(ctx context.Context, rowID int64, centerID int) error
	// MarkSynced sets the last import or export time of a center.
	MarkSynced(ctx context.Context, rowID int64, isImport bool, t int64) error

	// SyncRecords lists the sync records of a center, oldest first. A nil
	// center lists all of them.
	SyncRecords(ctx context.Context, center *record.Center) ([]*record.SyncRecord, error)
	// SyncRecord returns one sync record.
	SyncRecord(ctx context.Context, id int64) (*record.SyncRecord, error)
	// PutSyncRecord inserts a new record (ID 0) or updates its parallel ID.
	PutSyncRecord(ctx context.Context, r *record.SyncRecord) error
	// CloseSyncRecord stores the outcome of an attempt. A record can be
	// closed only once.
	CloseSyncRecord(ctx context.Context, r *record.SyncRecord, cause error) error
	// RemoveSyncRecord deletes a record and its associations.
	RemoveSyncRecord(ctx context.Context, r *record.SyncRecord) error
	// Associate links changes to the record that transports them.
	Associate(ctx context.Context, r *record.SyncRecord, changeIDs []int64, failed bool) error
	// SetAssociationError sets the error flag of one association, or of
	// every association of the record when changeID is 0.
	SetAssociationError(ctx context.Context, recordID, changeID int64, failed bool) error
	// Associations lists the associations of a change.
	Associations(ctx context.Context, changeID int64) ([]record.Association, error)

	// Persist records a local change. It returns nil, nil for a
	// memory-only transaction.
	Persist(ctx context.Context, txn *Txn, m Mutation) (*record.ChangeRecord, error)
	// ImportChange stores a change received from a peer, keeping its ID
	// and time. It reports false when the change was already present.
	ImportChange(ctx context.Context, raw record.Raw) (bool, error)
	// SetLocalOnly updates the only mutable field of a change.
	SetLocalOnly(ctx context.Context, id int64, localOnly bool) error
	// Changes decodes changes by ID in the order given. Missing or
	// unreadable changes are reported in a *record.BatchError while the
	// rest are returned.
	Changes(ctx context.Context, ids []int64) ([]record.Change, error)
	// RawChanges returns stored changes by ID in the order given,
	// skipping missing ones.
	RawChanges(ctx context.Context, ids []int64) ([]record.Raw, error)
	// ChangesSince returns the non-local changes newer than the watermark
	// of their (origin, subject) pair, oldest first.
	ChangesSince(ctx context.Context, wm record.Watermarks) ([]record.Raw, error)

	// Search returns the IDs of matching changes in sorter order.
	Search(ctx context.Context, s search.Search, sorter search.Sorter) ([]int64, error)
	Prepare(ctx context.Context, s search.Search, sorter search.Sorter) (PreparedSearch, error)
	// Execute fails with *search.MissingParameterError when fewer params
	// are given than the search has unspecified operands.
	Execute(ctx context.Context, p PreparedSearch, params ...any) ([]int64, error)
	// Destroy releases a prepared search.
	Destroy(p PreparedSearch) error

	// Purge permanently deletes a change, advancing the latest-purged
	// watermark and releasing entities nothing references anymore.
	Purge(ctx context.Context, c record.Change) error
	// PurgeBatch purges changes by ID. Failures are collected in a
	// *record.BatchError; every other change is still purged.
	PurgeBatch(ctx context.Context, ids []int64) (int, error)

	AutoPurger(ctx context.Context) (*record.AutoPurger, error)
	// SetAutoPurger records and applies a new policy, returning how many
	// changes it purged.
	SetAutoPurger(ctx context.Context, txn *Txn, p *record.AutoPurger) (int, error)
	// PreviewAutoPurge counts the changes a policy would purge now.
	PreviewAutoPurge(ctx context.Context, p *record.AutoPurger) (int, error)
	PurgeSafeTime(ctx context.Context) (int64, error)
	// HasSyncExportError reports whether a change must be kept for an
	// export retry.
	HasSyncExportError(ctx context.Context, changeID int64) (bool, error)
	// PendingExportErrors lists the changes whose last export to the
	// center failed within the retry budget.
	PendingExportErrors(ctx context.Context, centerRowID int64) ([]int64, error)

	// LatestChanges returns, per (origin, subject) pair, the newest change
	// time this installation has seen, purged changes included.
	LatestChanges(ctx context.Context) (record.Watermarks, error)
	// LatestPurged returns the newest purged change time per pair.
	LatestPurged(ctx context.Context) (record.Watermarks, error)
	// GetLatestChange returns what a peer is known to have.
	GetLatestChange(ctx context.Context, centerRowID int64) (record.Watermarks, error)
	// SetLatestChange merges a peer's watermarks into what is known.
	SetLatestChange(ctx context.Context, centerRowID int64, wm record.Watermarks) error

	Close() error
}
