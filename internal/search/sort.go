package search

import "fmt"

// SortField is a key changes can be ordered by.
type SortField int

const (
	// SortChangeTime orders by change time.
	SortChangeTime SortField = iota + 1
	// SortChangeType orders by subject type, then change type.
	SortChangeType
	// SortChangeUser orders by author ID.
	SortChangeUser
)

func (f SortField) String() string {
	switch f {
	case SortChangeTime:
		return "time"
	case SortChangeType:
		return "type"
	case SortChangeUser:
		return "user"
	default:
		return fmt.Sprintf("sort(%d)", int(f))
	}
}

// SortKey is one level of a Sorter.
type SortKey struct {
	Field      SortField
	Descending bool
}

// Sorter orders search results. Ties on every key are broken by ascending
// change ID, so results are always deterministic. Null values sort first
// ascending and strings compare byte-wise.
type Sorter struct {
	Keys []SortKey
}

// SortBy builds a Sorter.
func SortBy(keys ...SortKey) Sorter {
	return Sorter{Keys: keys}
}

// Asc is an ascending key on f.
func Asc(f SortField) SortKey { return SortKey{Field: f} }

// Desc is a descending key on f.
func Desc(f SortField) SortKey { return SortKey{Field: f, Descending: true} }
