package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/roach88/meshlog/internal/record"
)

// InstallRecordKeeper turns a copied installation into an independent
// center with newCenterID.
//
// The inherited "Here" center is renamed "Installation" and keeps the old
// center ID. A new "Here" center is created in the new partition, and a
// successful FILE import from Installation is synthesized covering every
// existing change, so the data reads as received from the installation it
// was copied from. Installation's peer watermarks are set to the current
// local matrix and its last import and export to now.
func (s *Store) InstallRecordKeeper(ctx context.Context, newCenterID int) (*record.Center, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	oldCenterID := s.CenterID()
	selfRow := s.selfRowID.Load()
	if oldCenterID == record.UnknownCenterID || selfRow == 0 {
		return nil, record.NewError(record.ErrCodeNotInitialized, "nothing to install from; run Bootstrap instead")
	}
	if newCenterID == oldCenterID {
		return nil, record.NewError(record.ErrCodeCenterIDImmutable,
			fmt.Sprintf("installation already is center %d", newCenterID))
	}
	part := record.PartitionFor(newCenterID)
	now := s.stamper.Now()

	var here *record.Center
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		matrix, err := latestChanges(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE centers SET name = ?, last_import = ?, last_export = ? WHERE id = ?
		`, record.InstallationName, now, now, selfRow)
		if err != nil {
			return fmt.Errorf("rename inherited center: %w", err)
		}

		here = record.NewCenter(record.HereName)
		here.CenterID = newCenterID
		if here.ID, err = s.insertCenter(ctx, tx, part, here); err != nil {
			return err
		}

		installation := &record.Center{ID: selfRow}
		rec := record.NewSyncRecord(installation, record.SyncFile, now, true)
		if err := rec.Close(nil); err != nil {
			return err
		}
		if rec.ID, err = nextID(ctx, tx, record.TableSyncRecords, part); err != nil {
			return err
		}
		if err := insertSyncRecord(ctx, tx, rec.ID, rec); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_assocs (record_id, change_id, error)
			SELECT ?, id, 0 FROM changes
		`, rec.ID)
		if err != nil {
			return fmt.Errorf("associate inherited changes: %w", err)
		}
		if err := setPeerWatermarks(ctx, tx, selfRow, matrix); err != nil {
			return err
		}

		if err := putSetting(ctx, tx, settingCenterID, strconv.Itoa(newCenterID)); err != nil {
			return err
		}
		return putSetting(ctx, tx, settingSelfCenter, strconv.FormatInt(here.ID, 10))
	})
	if err != nil {
		return nil, fmt.Errorf("install record keeper: %w", err)
	}

	s.centerID.Store(int64(newCenterID))
	s.selfRowID.Store(here.ID)
	s.logger.Info("installed as independent center",
		"center_id", newCenterID,
		"forked_from", oldCenterID,
		"installation_row", selfRow,
	)
	return here, nil
}
