package retention

import (
	"slices"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

// PolicyChange is one recorded mutation of the AutoPurger.
type PolicyChange struct {
	// ChangeType is one of the record.Purge* change type names.
	ChangeType string
	Additivity record.Additivity
	// Previous is the replaced value of a modification, nil when unset.
	Previous any
	// User is set for excluded-user additions and removals.
	User *record.User
	// Type is set for excluded-type additions and removals.
	Type *record.RecordType
}

// Diff lists the changes that turn old into updated, in a fixed order:
// entry count, age, then removed and added users, then removed and added
// types.
func Diff(old, updated *record.AutoPurger) []PolicyChange {
	if old == nil {
		old = &record.AutoPurger{}
	}
	var out []PolicyChange
	if !equalPtr(old.EntryCount, updated.EntryCount) {
		out = append(out, PolicyChange{ChangeType: record.PurgeEntryCount, Additivity: record.Modification, Previous: derefAny(old.EntryCount)})
	}
	if !equalPtr(old.Age, updated.Age) {
		out = append(out, PolicyChange{ChangeType: record.PurgeAge, Additivity: record.Modification, Previous: derefAny(old.Age)})
	}

	for _, u := range old.ExcludedUsers {
		if !updated.ExcludesUser(u.ID) {
			out = append(out, PolicyChange{ChangeType: record.PurgeExcludeUser, Additivity: record.Removal, User: &u})
		}
	}
	for _, u := range updated.ExcludedUsers {
		if !old.ExcludesUser(u.ID) {
			out = append(out, PolicyChange{ChangeType: record.PurgeExcludeUser, Additivity: record.Creation, User: &u})
		}
	}
	for _, t := range old.ExcludedTypes {
		if !slices.Contains(updated.ExcludedTypes, t) {
			out = append(out, PolicyChange{ChangeType: record.PurgeExcludeType, Additivity: record.Removal, Type: &t})
		}
	}
	for _, t := range updated.ExcludedTypes {
		if !slices.Contains(old.ExcludedTypes, t) {
			out = append(out, PolicyChange{ChangeType: record.PurgeExcludeType, Additivity: record.Creation, Type: &t})
		}
	}
	return out
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefAny[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Mutation turns the difference into a change of the auto-purge subject
// whose major subject is the local center. Excluded users are the minor
// subject; excluded types are recorded by their string form.
func (pc PolicyChange) Mutation(selfRowID int64) keeper.Mutation {
	ct, _ := record.FindChangeType(record.SubjectAutoPurge, pc.ChangeType)
	m := keeper.Mutation{
		Subject:       record.SubjectAutoPurge,
		Change:        ct,
		Additivity:    pc.Additivity,
		Major:         selfRowID,
		PreviousValue: pc.Previous,
	}
	if pc.User != nil {
		m.Minor = pc.User
	}
	if pc.Type != nil {
		m.PreviousValue = pc.Type.String()
	}
	return m
}
