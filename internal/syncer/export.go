package syncer

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/meshlog/internal/record"
)

// Export answers an importing center. The requester is identified by the
// global center ID it sends; it must be a registered, non-deleted center.
func (s *Synchronizer) Export(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("export: no request")
	}
	if req.CenterID == s.keeper.CenterID() {
		return nil, selfSyncError(record.HereName)
	}
	center, err := s.centerByGlobalID(ctx, req.CenterID)
	if err != nil {
		return nil, err
	}
	return s.exportTo(ctx, center, req)
}

// ExportFile writes a sync response for center to w, computed against what
// center is known to hold. The receipt comes back through HandleReceipt.
func (s *Synchronizer) ExportFile(ctx context.Context, center *record.Center, w io.Writer) (*record.SyncRecord, error) {
	current, err := s.keeper.Center(ctx, center.ID)
	if err != nil {
		return nil, fmt.Errorf("export file: %w", err)
	}
	self, err := s.keeper.SelfCenter(ctx)
	if err != nil {
		return nil, fmt.Errorf("export file: %w", err)
	}
	if current.ID == self.ID {
		return nil, selfSyncError(current.Name)
	}
	known, err := s.keeper.GetLatestChange(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("export file: %w", err)
	}
	resp, err := s.exportTo(ctx, current, &SyncRequest{
		CenterID: current.CenterID,
		SyncType: record.SyncFile,
		Now:      s.now(),
		Since:    known.Entries(),
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.keeper.SyncRecord(ctx, resp.RecordID)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		closeErr := fmt.Errorf("write sync file: %w", err)
		_ = s.keeper.CloseSyncRecord(context.WithoutCancel(ctx), rec, closeErr)
		return nil, closeErr
	}
	return rec, nil
}

func (s *Synchronizer) centerByGlobalID(ctx context.Context, centerID int) (*record.Center, error) {
	if centerID == record.UnknownCenterID {
		return nil, record.NewError(record.ErrCodeUnknownCenter, "requester did not identify itself")
	}
	self, err := s.keeper.SelfCenter(ctx)
	if err != nil {
		return nil, err
	}
	centers, err := s.keeper.Centers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range centers {
		if c.CenterID == centerID && !c.Deleted && c.ID != self.ID {
			return c, nil
		}
	}
	return nil, record.NewError(record.ErrCodeUnknownCenter, fmt.Sprintf("no center with id %d", centerID))
}

func (s *Synchronizer) exportTo(ctx context.Context, center *record.Center, req *SyncRequest) (*SyncResponse, error) {
	syncType := req.SyncType
	if !syncType.Valid() {
		return nil, fmt.Errorf("export: invalid sync type %q", syncType)
	}
	token := s.tokens.Generate()
	ctx, span := s.tracer.Start(ctx, "syncer.export", trace.WithAttributes(
		attribute.String("meshlog.session", token),
		attribute.String("meshlog.center", center.Name),
		attribute.String("meshlog.sync_type", string(syncType)),
	))
	defer span.End()
	logger := s.logger.With("session", token, "center", center.Name)

	rec := record.NewSyncRecord(center, syncType, s.now(), false)
	rec.ParallelID = req.RecordID
	if err := s.keeper.PutSyncRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("open export record: %w", err)
	}
	s.notifyStarted(center, rec)

	resp, err := s.buildExport(ctx, center, rec, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if closeErr := s.keeper.CloseSyncRecord(context.WithoutCancel(ctx), rec, err); closeErr != nil {
			logger.Error("close export record", "record_id", rec.ID, "error", closeErr)
		}
		logger.Warn("export failed", "record_id", rec.ID, "error", err)
		s.notifyFinished(center, rec, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("meshlog.exported", len(resp.Changes)))
	logger.Info("exported changes", "record_id", rec.ID, "changes", len(resp.Changes), "snapshot", len(resp.Snapshot) > 0)
	return resp, nil
}

func (s *Synchronizer) buildExport(ctx context.Context, center *record.Center, rec *record.SyncRecord, req *SyncRequest) (*SyncResponse, error) {
	peer := record.WatermarksFrom(req.Since)
	if err := s.keeper.SetLatestChange(ctx, center.ID, peer); err != nil {
		return nil, err
	}
	delta, err := s.delta(ctx, center, peer)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, len(delta))
	ids := make([]int64, len(delta))
	for i, raw := range delta {
		changes[i] = Change{Raw: raw}
		ids[i] = raw.ID
		if s.impl == nil {
			continue
		}
		if changes[i].Value, err = s.impl.EncodeValue(ctx, raw); err != nil {
			return nil, fmt.Errorf("encode value of change %d: %w", raw.ID, err)
		}
	}

	latest, err := s.keeper.LatestChanges(ctx)
	if err != nil {
		return nil, err
	}
	resp := &SyncResponse{
		CenterID: s.keeper.CenterID(),
		RecordID: rec.ID,
		Latest:   latest.Entries(),
		Changes:  changes,
	}
	known, err := s.keeper.GetLatestChange(ctx, center.ID)
	if err != nil {
		return nil, err
	}
	if resp.Snapshot, err = s.snapshotFor(ctx, known); err != nil {
		return nil, err
	}
	if err := s.keeper.Associate(ctx, rec, ids, false); err != nil {
		return nil, err
	}
	return resp, nil
}

// delta returns the changes the peer lacks plus those whose last export to
// it failed within the retry budget, oldest first.
func (s *Synchronizer) delta(ctx context.Context, center *record.Center, peer record.Watermarks) ([]record.Raw, error) {
	fresh, err := s.keeper.ChangesSince(ctx, peer)
	if err != nil {
		return nil, err
	}
	retryIDs, err := s.keeper.PendingExportErrors(ctx, center.ID)
	if err != nil {
		return nil, err
	}
	retry, err := s.keeper.RawChanges(ctx, retryIDs)
	if err != nil {
		return nil, err
	}

	reg := s.keeper.Registry()
	seen := make(map[int64]bool, len(fresh)+len(retry))
	out := make([]record.Raw, 0, len(fresh)+len(retry))
	for _, raw := range slices.Concat(fresh, retry) {
		if seen[raw.ID] || raw.LocalOnly || reg.IsInternal(raw.SubjectType) {
			continue
		}
		seen[raw.ID] = true
		out = append(out, raw)
	}
	slices.SortFunc(out, func(a, b record.Raw) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// snapshotFor returns the full data set when the peer is known to be
// behind history this installation already purged.
func (s *Synchronizer) snapshotFor(ctx context.Context, peer record.Watermarks) (json.RawMessage, error) {
	if s.impl == nil {
		return nil, nil
	}
	purged, err := s.keeper.LatestPurged(ctx)
	if err != nil {
		return nil, err
	}
	for p, t := range purged {
		if t > peer.Get(p) {
			snap, err := s.impl.Snapshot(ctx)
			if err != nil {
				return nil, fmt.Errorf("snapshot: %w", err)
			}
			return snap, nil
		}
	}
	return nil, nil
}

// HandleReceipt closes the export record a receipt acknowledges.
func (s *Synchronizer) HandleReceipt(ctx context.Context, data []byte) error {
	r, err := DecodeReceipt(data)
	if err != nil {
		return err
	}
	rec, err := s.keeper.SyncRecord(ctx, r.RecordID)
	if err != nil {
		return err
	}
	if rec.IsImport {
		return record.NewError(record.ErrCodeReceiptNotFound, fmt.Sprintf("sync record %d is not an export", r.RecordID))
	}
	expected := record.UnknownCenterID
	name := ""
	if rec.Center != nil {
		expected, name = rec.Center.CenterID, rec.Center.Name
	}
	if expected != r.CenterID {
		return record.NewIdentityMismatchError(name, expected, r.CenterID)
	}
	if !rec.Pending() {
		return record.NewError(record.ErrCodeRecordClosed, fmt.Sprintf("sync record %d already closed", rec.ID))
	}

	rec.ParallelID = r.ClientRecordID
	if err := s.keeper.PutSyncRecord(ctx, rec); err != nil {
		return err
	}
	var cause error
	if r.Failed() {
		cause = errors.New(*r.SyncError)
	}
	if err := s.keeper.CloseSyncRecord(ctx, rec, cause); err != nil {
		return err
	}
	if err := s.keeper.SetAssociationError(ctx, rec.ID, 0, r.Failed()); err != nil {
		return err
	}
	if cause == nil {
		if err := s.keeper.MarkSynced(ctx, rec.CenterRowID(), false, rec.Time); err != nil {
			return err
		}
		// The peer now holds everything up to what was purged here, either
		// as changes or through a snapshot.
		purged, err := s.keeper.LatestPurged(ctx)
		if err != nil {
			return err
		}
		if err := s.keeper.SetLatestChange(ctx, rec.CenterRowID(), purged); err != nil {
			return err
		}
	}
	s.logger.Info("receipt handled", "center", name, "record_id", rec.ID, "failed", r.Failed())
	s.notifyFinished(rec.Center, rec, cause)
	return nil
}
