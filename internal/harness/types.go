package harness

// TraceEvent is one entry of a scenario trace. IDs and timestamps are left
// out so traces stay stable when unrelated numbering changes.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Center string `json:"center"`
	Op     string `json:"op"`
	Detail string `json:"detail,omitempty"`
}

// Action names the event the way assertions refer to it, e.g. "B.import".
func (e TraceEvent) Action() string {
	return e.Center + "." + e.Op
}

// Trace operations.
const (
	OpAdvance      = "advance"
	OpCreate       = "create"
	OpTitle        = "title"
	OpRemove       = "remove"
	OpPurge        = "purge"
	OpImport       = "import"
	OpSyncStarted  = "sync_started"
	OpSyncFinished = "sync_finished"
)

// clockCenter is the trace center of clock moves.
const clockCenter = "clock"

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event, numbering it after the previous one.
func (r *Result) AddTrace(center, op, detail string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Center: center,
		Op:     op,
		Detail: detail,
	})
}
