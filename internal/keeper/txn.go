package keeper

import "github.com/roach88/meshlog/internal/record"

// Txn describes the unit of work a mutation belongs to.
//
// A nil *Txn applies a mutation without audit and is reserved for
// bootstrap. Every other mutation of centers or the auto-purger must name
// an attributable User.
type Txn struct {
	User *record.User
	// MemoryOnly marks the local echo of a change that already exists
	// remotely: Persist records nothing and returns nil.
	MemoryOnly bool
}

// NewTxn returns a transaction attributed to user.
func NewTxn(user record.User) *Txn {
	return &Txn{User: &user}
}

// Audited reports whether mutations under t emit changes.
func (t *Txn) Audited() bool {
	return t != nil && !t.MemoryOnly
}

// RequireUser fails with NO_USER when an audited transaction has no user.
func (t *Txn) RequireUser(op string) error {
	if t != nil && t.User == nil {
		return record.NewNoUserError(op)
	}
	return nil
}

// UserOr returns the transaction's user, or fallback for bootstrap.
func (t *Txn) UserOr(fallback record.User) record.User {
	if t == nil || t.User == nil {
		return fallback
	}
	return *t.User
}
