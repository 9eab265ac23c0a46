package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/meshlog/internal/record"
)

type fetchFunc func(ctx context.Context, req *SyncRequest) (*SyncResponse, error)

type deliverFunc func(ctx context.Context, receipt []byte) error

// Import runs one import session with center over the configured dialer.
//
// The returned Result is non-nil once the sync record was opened, also when
// the session failed.
func (s *Synchronizer) Import(ctx context.Context, center *record.Center, syncType record.SyncType) (*Result, error) {
	var t Transport
	fetch := func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		var err error
		if t, err = s.dial(ctx, center); err != nil {
			return nil, err
		}
		return t.Sync(ctx, req)
	}
	deliver := func(ctx context.Context, receipt []byte) error {
		return t.SendReceipt(ctx, receipt)
	}
	return s.session(ctx, center, syncType, fetch, deliver)
}

// ImportFile imports a sync response written by ExportFile. The receipt
// for the exporting center is returned for manual delivery.
func (s *Synchronizer) ImportFile(ctx context.Context, center *record.Center, r io.Reader) ([]byte, *Result, error) {
	var resp SyncResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, nil, fmt.Errorf("read sync file: %w", err)
	}
	fetch := func(context.Context, *SyncRequest) (*SyncResponse, error) {
		return &resp, nil
	}
	var receipt []byte
	deliver := func(_ context.Context, data []byte) error {
		receipt = data
		return nil
	}
	res, err := s.session(ctx, center, record.SyncFile, fetch, deliver)
	return receipt, res, err
}

// session runs the importing side of one sync attempt.
func (s *Synchronizer) session(ctx context.Context, center *record.Center, syncType record.SyncType, fetch fetchFunc, deliver deliverFunc) (*Result, error) {
	if center == nil {
		return nil, fmt.Errorf("import: no center")
	}
	self, err := s.keeper.SelfCenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	if center.ID == self.ID {
		return nil, selfSyncError(center.Name)
	}
	current, err := s.keeper.Center(ctx, center.ID)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	token := s.tokens.Generate()
	ctx, span := s.tracer.Start(ctx, "syncer.import", trace.WithAttributes(
		attribute.String("meshlog.session", token),
		attribute.String("meshlog.center", current.Name),
		attribute.String("meshlog.sync_type", string(syncType)),
	))
	defer span.End()
	logger := s.logger.With("session", token, "center", current.Name)

	rec := record.NewSyncRecord(current, syncType, s.now(), true)
	if err := s.keeper.PutSyncRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("open import record: %w", err)
	}
	res := &Result{Center: current, Record: rec}
	s.notifyStarted(current, rec)
	logger.Debug("import started", "record_id", rec.ID, "sync_type", syncType)

	resp, err := s.runImport(ctx, current, rec, fetch, res)
	if isCancellation(err) && record.CodeOf(err) == "" {
		err = record.WrapError(record.ErrCodeCancelled, "import cancelled", err)
	}
	if resp != nil {
		s.sendReceipt(ctx, logger, rec, resp, err, deliver)
	}
	s.finish(ctx, logger, current, rec, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("meshlog.received", res.Received),
		attribute.Int("meshlog.applied", res.Applied),
	)
	res.Err = err
	return res, err
}

// runImport requests the delta and merges it. A non-nil response means the
// peer answered and expects a receipt.
func (s *Synchronizer) runImport(ctx context.Context, center *record.Center, rec *record.SyncRecord, fetch fetchFunc, res *Result) (*SyncResponse, error) {
	latest, err := s.keeper.LatestChanges(ctx)
	if err != nil {
		return nil, err
	}
	req := &SyncRequest{
		CenterID: s.keeper.CenterID(),
		RecordID: rec.ID,
		SyncType: rec.Type,
		Now:      s.now(),
		Since:    latest.Entries(),
	}
	resp, err := fetch(ctx, req)
	if err != nil {
		return nil, transportError(fmt.Sprintf("sync with %q", center.Name), err)
	}
	if resp == nil {
		return nil, record.NewError(record.ErrCodeTransport, fmt.Sprintf("center %q sent no response", center.Name))
	}

	if err := s.accept(ctx, center, resp); err != nil {
		return resp, err
	}
	if err := s.keeper.SetLatestChange(ctx, center.ID, record.WatermarksFrom(resp.Latest)); err != nil {
		return resp, err
	}
	rec.ParallelID = resp.RecordID
	if err := s.keeper.PutSyncRecord(ctx, rec); err != nil {
		return resp, err
	}
	res.Received = len(resp.Changes)

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	if len(resp.Snapshot) > 0 && s.impl != nil {
		if err := s.impl.ApplySnapshot(ctx, resp.Snapshot); err != nil {
			return resp, fmt.Errorf("apply snapshot: %w", err)
		}
		res.Snapshot = true
	}
	return resp, s.applyChanges(ctx, rec, resp.Changes, res)
}

// accept checks the identity the peer answered with, claiming it on first
// contact.
func (s *Synchronizer) accept(ctx context.Context, center *record.Center, resp *SyncResponse) error {
	switch {
	case resp.CenterID == s.keeper.CenterID():
		return selfSyncError(center.Name)
	case resp.CenterID == record.UnknownCenterID:
		return record.NewError(record.ErrCodeTransport, fmt.Sprintf("center %q did not identify itself", center.Name))
	case center.KnownID() && center.CenterID != resp.CenterID:
		return record.NewIdentityMismatchError(center.Name, center.CenterID, resp.CenterID)
	case center.KnownID():
		return nil
	}
	if err := s.keeper.SetCenterID(ctx, center.ID, resp.CenterID); err != nil {
		return err
	}
	center.CenterID = resp.CenterID
	s.logger.Info("learned center id", "center", center.Name, "center_id", resp.CenterID)
	return nil
}

// sendReceipt tells the exporter how the import went. Delivery failures
// are logged; the exporter keeps its record pending and retries the delta.
func (s *Synchronizer) sendReceipt(ctx context.Context, logger *slog.Logger, rec *record.SyncRecord, resp *SyncResponse, cause error, deliver deliverFunc) {
	data, err := EncodeReceipt(Receipt{
		CenterID:       s.keeper.CenterID(),
		ClientRecordID: rec.ID,
		RecordID:       resp.RecordID,
		SyncError:      errorText(cause),
	})
	if err != nil {
		logger.Error("encode receipt", "error", err)
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.receiptTimeout)
		defer cancel()
	}
	if err := deliver(ctx, data); err != nil {
		logger.Warn("receipt not delivered", "record_id", rec.ID, "error", err)
	}
}

// finish closes the record even when ctx is done.
func (s *Synchronizer) finish(ctx context.Context, logger *slog.Logger, center *record.Center, rec *record.SyncRecord, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.keeper.CloseSyncRecord(ctx, rec, cause); err != nil {
		logger.Error("close import record", "record_id", rec.ID, "error", err)
	}
	if cause == nil {
		if err := s.keeper.MarkSynced(ctx, center.ID, true, rec.Time); err != nil {
			logger.Error("mark import", "error", err)
		}
		logger.Info("import finished", "record_id", rec.ID)
	} else {
		logger.Warn("import failed", "record_id", rec.ID, "code", record.CodeOf(cause), "error", cause)
	}
	s.notifyFinished(center, rec, cause)
}
