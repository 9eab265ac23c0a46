package record

import (
	"cmp"
	"slices"
)

// Pair keys a watermark by the center that originated a change and the
// center that owns the change's major subject. A center may relay changes
// it did not originate, so both are tracked.
type Pair struct {
	Origin  int `json:"origin"`
	Subject int `json:"subject"`
}

// Watermarks maps each (origin, subject) pair to the latest change time known.
type Watermarks map[Pair]int64

// Get returns the watermark for p, or -1 when nothing is known.
func (w Watermarks) Get(p Pair) int64 {
	if t, ok := w[p]; ok {
		return t
	}
	return -1
}

// Raise sets the watermark for p to t if t is newer.
func (w Watermarks) Raise(p Pair, t int64) {
	if cur, ok := w[p]; !ok || t > cur {
		w[p] = t
	}
}

// Merge raises every entry of w with the entries of other.
func (w Watermarks) Merge(other Watermarks) {
	for p, t := range other {
		w.Raise(p, t)
	}
}

// WatermarkEntry is the wire form of one watermark.
type WatermarkEntry struct {
	Origin  int   `json:"origin"`
	Subject int   `json:"subject"`
	Time    int64 `json:"time"`
}

// Entries returns the matrix as a list sorted by (origin, subject).
func (w Watermarks) Entries() []WatermarkEntry {
	out := make([]WatermarkEntry, 0, len(w))
	for p, t := range w {
		out = append(out, WatermarkEntry{Origin: p.Origin, Subject: p.Subject, Time: t})
	}
	slices.SortFunc(out, func(a, b WatermarkEntry) int {
		if c := cmp.Compare(a.Origin, b.Origin); c != 0 {
			return c
		}
		return cmp.Compare(a.Subject, b.Subject)
	})
	return out
}

// WatermarksFrom rebuilds a matrix from its wire form.
func WatermarksFrom(entries []WatermarkEntry) Watermarks {
	w := make(Watermarks, len(entries))
	for _, e := range entries {
		w.Raise(Pair{Origin: e.Origin, Subject: e.Subject}, e.Time)
	}
	return w
}
