package record

// User is the attributable author of a change.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// SystemUser authors bookkeeping changes that have no interactive author,
// such as the installation migration.
var SystemUser = User{ID: 0, Name: "System"}
