package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/syncer"
)

// CenterView is the output form of a center. Credentials are never shown.
type CenterView struct {
	RowID          int64  `json:"rowID"`
	CenterID       int    `json:"centerID"`
	Name           string `json:"name"`
	ServerURL      string `json:"serverURL,omitempty"`
	ChangeSaveTime int64  `json:"changeSaveTime,omitempty"`
	LastImport     int64  `json:"lastImport,omitempty"`
	LastExport     int64  `json:"lastExport,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

func newCenterView(c *record.Center) CenterView {
	return CenterView{
		RowID:          c.ID,
		CenterID:       c.CenterID,
		Name:           c.Name,
		ServerURL:      c.ServerURL,
		ChangeSaveTime: c.ChangeSaveTime,
		LastImport:     c.LastImport,
		LastExport:     c.LastExport,
		Deleted:        c.Deleted,
	}
}

func (v CenterView) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "center %q (id %d, row %d)\n", v.Name, v.CenterID, v.RowID)
	return err
}

// CenterList is the output of centers list.
type CenterList []CenterView

func (l CenterList) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tID\tNAME\tURL\tLAST IMPORT\tLAST EXPORT\t")
	for _, c := range l {
		name := c.Name
		if c.Deleted {
			name += " (deleted)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t\n",
			c.RowID, centerIDText(c.CenterID), name, c.ServerURL, stamp(c.LastImport), stamp(c.LastExport))
	}
	return tw.Flush()
}

// ChangeView is one line of history output.
type ChangeView struct {
	ID          int64  `json:"id"`
	Time        int64  `json:"time"`
	User        int64  `json:"user"`
	SubjectType string `json:"subjectType"`
	ChangeType  string `json:"changeType,omitempty"`
	Additivity  string `json:"additivity"`
	Major       int64  `json:"major"`
	LocalOnly   bool   `json:"localOnly,omitempty"`
}

func newChangeView(r record.Raw) ChangeView {
	return ChangeView{
		ID:          r.ID,
		Time:        r.Time,
		User:        r.UserID,
		SubjectType: r.SubjectType,
		ChangeType:  r.ChangeType,
		Additivity:  r.Additivity.String(),
		Major:       r.Major,
		LocalOnly:   r.LocalOnly,
	}
}

// History is the output of the history command.
type History []ChangeView

func (h History) WriteText(w io.Writer) error {
	if len(h) == 0 {
		_, err := fmt.Fprintln(w, "no changes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tUSER\tTYPE\tMAJOR\t")
	for _, c := range h {
		typ := c.SubjectType
		if c.ChangeType != "" {
			typ += "/" + c.ChangeType
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s %s\t%d\t\n", c.ID, stamp(c.Time), c.User, c.Additivity, typ, c.Major)
	}
	return tw.Flush()
}

// PurgeReport is the output of the purge commands.
type PurgeReport struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func (r PurgeReport) WriteText(w io.Writer) error {
	verb := "purged"
	if r.Action == "preview" {
		verb = "would be purged"
	}
	_, err := fmt.Fprintf(w, "%d changes %s\n", r.Count, verb)
	return err
}

// SafeTime is the output of purge safe-time.
type SafeTime struct {
	Time int64 `json:"time"`
}

func (s SafeTime) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "changes before %s are safe to purge\n", stamp(s.Time))
	return err
}

// SyncReport summarizes a sync session.
type SyncReport struct {
	Center   string  `json:"center"`
	RecordID int64   `json:"recordID,omitempty"`
	Received int     `json:"received"`
	Imported int     `json:"imported"`
	Applied  int     `json:"applied"`
	Degraded int     `json:"degraded,omitempty"`
	Snapshot bool    `json:"snapshot,omitempty"`
	Receipt  string  `json:"receipt,omitempty"`
	Error    *string `json:"error,omitempty"`
}

func newSyncReport(res *syncer.Result) SyncReport {
	r := SyncReport{
		Received: res.Received,
		Imported: res.Imported,
		Applied:  res.Applied,
		Degraded: res.Degraded,
		Snapshot: res.Snapshot,
	}
	if res.Center != nil {
		r.Center = res.Center.Name
	}
	if res.Record != nil {
		r.RecordID = res.Record.ID
	}
	if res.Err != nil {
		msg := res.Err.Error()
		r.Error = &msg
	}
	return r
}

func (r SyncReport) WriteText(w io.Writer) error {
	if r.Error != nil {
		_, err := fmt.Fprintf(w, "%s: failed: %s\n", r.Center, *r.Error)
		return err
	}
	fmt.Fprintf(w, "%s: received %d, imported %d, applied %d\n", r.Center, r.Received, r.Imported, r.Applied)
	if r.Receipt != "" {
		fmt.Fprintf(w, "receipt: %s\n", r.Receipt)
	}
	return nil
}

// SyncReports is the output of sync all.
type SyncReports []SyncReport

func (l SyncReports) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no peers to sync with")
		return err
	}
	for _, r := range l {
		if err := r.WriteText(w); err != nil {
			return err
		}
	}
	return nil
}

// ReceiptView is a decoded receipt.
type ReceiptView struct {
	syncer.Receipt
}

func (v ReceiptView) WriteText(w io.Writer) error {
	status := "ok"
	if v.Failed() {
		status = "failed: " + *v.SyncError
	}
	_, err := fmt.Fprintf(w, "receipt from center %d: export %d, import %d, %s\n",
		v.CenterID, v.RecordID, v.ClientRecordID, status)
	return err
}

func centerIDText(id int) string {
	if id == record.UnknownCenterID {
		return "?"
	}
	return fmt.Sprint(id)
}

// stamp formats Unix milliseconds in UTC; zero prints as "-".
func stamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
