package record

import "fmt"

// IDRange is the size of the ID partition owned by each center.
// It must never change: persisted IDs depend on it.
const IDRange int64 = 1_000_000_000

// UnknownCenterID marks a peer whose global center ID has not been learned yet.
const UnknownCenterID = -1

// OriginCenter returns the center that issued id.
func OriginCenter(id int64) int {
	return int(id / IDRange)
}

// Partition is the half-open ID range [Start, End) owned by one center.
type Partition struct {
	CenterID int
	Start    int64
	End      int64
}

// PartitionFor returns the ID partition of centerID.
func PartitionFor(centerID int) Partition {
	start := int64(centerID) * IDRange
	return Partition{CenterID: centerID, Start: start, End: start + IDRange}
}

// Contains reports whether id was issued by the partition's center.
func (p Partition) Contains(id int64) bool {
	return id >= p.Start && id < p.End
}

// Clamp returns hint if it lies inside the partition, otherwise Start.
func (p Partition) Clamp(hint int64) int64 {
	if hint < p.Start || hint >= p.End {
		return p.Start
	}
	return hint
}

func (p Partition) String() string {
	return fmt.Sprintf("center %d [%d, %d)", p.CenterID, p.Start, p.End)
}

// Table names the ID sequences a center allocates from.
type Table string

const (
	TableChanges     Table = "changes"
	TableCenters     Table = "centers"
	TableSyncRecords Table = "sync_records"
)

// Tables lists every allocatable table.
var Tables = []Table{TableChanges, TableCenters, TableSyncRecords}
