package record

import "fmt"

// SyncType tells how a synchronization attempt was started.
type SyncType string

const (
	SyncAutomatic    SyncType = "AUTOMATIC"
	SyncManualRemote SyncType = "MANUAL_REMOTE"
	SyncFile         SyncType = "FILE"
)

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	switch t {
	case SyncAutomatic, SyncManualRemote, SyncFile:
		return true
	}
	return false
}

// PendingError is the SyncError of an attempt whose outcome is not known yet.
const PendingError = "?"

// SyncRecord is the audit entry of one synchronization attempt.
//
// Lifecycle: created pending ("?") before work starts, closed exactly once
// with success (nil) or a failure message, never mutated afterwards.
type SyncRecord struct {
	ID       int64
	Center   *Center
	Type     SyncType
	Time     int64
	IsImport bool
	// ParallelID is the peer's record for the same attempt, 0 until the
	// receipt is exchanged.
	ParallelID int64
	SyncError  *string
}

// NewSyncRecord returns a pending record.
func NewSyncRecord(center *Center, typ SyncType, now int64, isImport bool) *SyncRecord {
	pending := PendingError
	return &SyncRecord{
		Center:    center,
		Type:      typ,
		Time:      now,
		IsImport:  isImport,
		SyncError: &pending,
	}
}

// Pending reports whether the attempt has not been closed yet.
func (r *SyncRecord) Pending() bool {
	return r.SyncError != nil && *r.SyncError == PendingError
}

// Succeeded reports whether the attempt closed without error.
func (r *SyncRecord) Succeeded() bool {
	return r.SyncError == nil
}

// Close records the outcome. A nil cause means success. Closing twice
// fails with RECORD_CLOSED.
func (r *SyncRecord) Close(cause error) error {
	if !r.Pending() {
		return NewError(ErrCodeRecordClosed, fmt.Sprintf("sync record %d already closed", r.ID))
	}
	if cause == nil {
		r.SyncError = nil
		return nil
	}
	msg := cause.Error()
	if msg == PendingError || msg == "" {
		msg = "unknown error"
	}
	r.SyncError = &msg
	return nil
}

// ErrorText returns the failure message, "" on success.
func (r *SyncRecord) ErrorText() string {
	if r.SyncError == nil {
		return ""
	}
	return *r.SyncError
}

// CenterRowID returns the local row ID of the record's center, 0 if unset.
func (r *SyncRecord) CenterRowID() int64 {
	if r.Center == nil {
		return 0
	}
	return r.Center.ID
}

// Association links a change to the sync record that transported it.
// Error marks a per-change import or export failure.
type Association struct {
	RecordID int64
	ChangeID int64
	Error    bool
}
