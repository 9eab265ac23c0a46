package memkeeper

import (
	"cmp"
	"maps"
	"slices"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/memsearch"
	"github.com/roach88/meshlog/internal/record"
)

type assocKey struct {
	record int64
	change int64
}

// state is everything a keeper holds. Only the owner goroutine touches it.
type state struct {
	reg       *record.Registry
	part      record.Partition
	selfRowID int64

	centers map[int64]*record.Center
	changes map[int64]record.Raw
	// records keep only the center row ID in Center.ID; reads resolve it.
	records map[int64]*record.SyncRecord
	assocs  map[assocKey]bool
	purged  record.Watermarks
	peers   map[int64]record.Watermarks
	policy  *record.AutoPurger
	hints   map[record.Table]int64

	lastPurge int64

	// version counts changes to the searchable data; snap is valid while
	// snapVersion matches.
	version     uint64
	snap        memsearch.Snapshot
	snapVersion uint64
}

func newState(reg *record.Registry, centerID int) (*state, error) {
	st := &state{
		reg:     reg,
		part:    record.PartitionFor(centerID),
		centers: make(map[int64]*record.Center),
		changes: make(map[int64]record.Raw),
		records: make(map[int64]*record.SyncRecord),
		assocs:  make(map[assocKey]bool),
		purged:  record.Watermarks{},
		peers:   make(map[int64]record.Watermarks),
		policy:  &record.AutoPurger{},
		hints:   make(map[record.Table]int64),
	}
	here := record.NewCenter(record.HereName)
	here.CenterID = centerID
	id, err := st.nextID(record.TableCenters)
	if err != nil {
		return nil, err
	}
	here.ID = id
	st.centers[id] = here
	st.selfRowID = id
	// Never equal to version, so the first search builds a snapshot.
	st.snapVersion = ^uint64(0)
	return st, nil
}

// touch invalidates the search snapshot.
func (st *state) touch() { st.version++ }

func (st *state) taken(table record.Table, id int64) bool {
	switch table {
	case record.TableChanges:
		_, ok := st.changes[id]
		return ok
	case record.TableCenters:
		_, ok := st.centers[id]
		return ok
	default:
		_, ok := st.records[id]
		return ok
	}
}

// nextID allocates the lowest free ID at or above the table's hint,
// wrapping to the partition start. A full partition fails with
// EXHAUSTED_RANGE.
func (st *state) nextID(table record.Table) (int64, error) {
	start := st.part.Clamp(st.hints[table])
	id, ok := st.lowestFree(table, start, st.part.End)
	if !ok && start > st.part.Start {
		id, ok = st.lowestFree(table, st.part.Start, start)
	}
	if !ok {
		return 0, record.NewExhaustedRangeError(table, st.part)
	}
	st.hints[table] = id + 1
	return id, nil
}

func (st *state) lowestFree(table record.Table, from, end int64) (int64, bool) {
	for id := from; id < end; id++ {
		if !st.taken(table, id) {
			return id, true
		}
	}
	return 0, false
}

// sortedChanges returns every change ordered by ID.
func (st *state) sortedChanges() []record.Raw {
	out := slices.Collect(maps.Values(st.changes))
	slices.SortFunc(out, func(a, b record.Raw) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// centerList returns clones of every center ordered by row ID.
func (st *state) centerList() []*record.Center {
	ids := slices.Sorted(maps.Keys(st.centers))
	out := make([]*record.Center, len(ids))
	for i, id := range ids {
		out[i] = st.centers[id].Clone()
	}
	return out
}

func (st *state) center(rowID int64) (*record.Center, error) {
	c, ok := st.centers[rowID]
	if !ok {
		return nil, unknownCenter(rowID)
	}
	return c, nil
}

// syncRecord returns a copy of a stored record with its center resolved.
func (st *state) syncRecord(r *record.SyncRecord) *record.SyncRecord {
	out := *r
	if c, ok := st.centers[r.Center.ID]; ok {
		out.Center = c.Clone()
	} else {
		out.Center = &record.Center{ID: r.Center.ID, CenterID: record.UnknownCenterID}
	}
	if r.SyncError != nil {
		msg := *r.SyncError
		out.SyncError = &msg
	}
	return &out
}

// insert stores a new local change. ID, time and author are assigned here.
func (st *state) insert(raw *record.Raw, user record.User, stamper *keeper.Stamper) error {
	id, err := st.nextID(record.TableChanges)
	if err != nil {
		return err
	}
	raw.ID = id
	raw.Time = stamper.Next()
	raw.UserID = user.ID
	st.changes[id] = *raw
	st.touch()
	return nil
}

// persist prepares and inserts a bookkeeping change.
func (st *state) persist(p keeper.RecordPersister, stamper *keeper.Stamper, user record.User, m keeper.Mutation) (record.Raw, error) {
	raw, err := m.Prepare(p)
	if err != nil {
		return record.Raw{}, err
	}
	if err := st.insert(&raw, user, stamper); err != nil {
		return record.Raw{}, err
	}
	return raw, nil
}

// searchSnapshot returns the snapshot searches run against, rebuilding it
// when the data moved. The result is never modified afterwards.
func (st *state) searchSnapshot() memsearch.Snapshot {
	if st.snapVersion == st.version {
		return st.snap
	}
	changes := st.sortedChanges()
	records := make([]*record.SyncRecord, 0, len(st.records))
	for _, r := range st.records {
		records = append(records, st.syncRecord(r))
	}
	assocs := st.associations(func(assocKey) bool { return true })
	st.snap = memsearch.Snapshot{
		Changes: changes,
		State:   memsearch.NewMatchState(changes, records, assocs),
		Records: records,
		Assocs:  assocs,
	}
	st.snapVersion = st.version
	return st.snap
}

// associations lists the associations matching keep, ordered by record
// then change.
func (st *state) associations(keep func(assocKey) bool) []record.Association {
	out := []record.Association{}
	for key, failed := range st.assocs {
		if keep(key) {
			out = append(out, record.Association{RecordID: key.record, ChangeID: key.change, Error: failed})
		}
	}
	slices.SortFunc(out, func(a, b record.Association) int {
		if c := cmp.Compare(a.RecordID, b.RecordID); c != 0 {
			return c
		}
		return cmp.Compare(a.ChangeID, b.ChangeID)
	})
	return out
}
