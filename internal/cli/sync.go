package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/syncer"
)

// NewSyncCommand creates the sync command group. Syncs run through files:
// export writes a response for a peer, the peer imports it and hands back a
// receipt, ack closes the export with that receipt.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange changes with peers through files",
	}
	cmd.AddCommand(newSyncExportCommand(opts))
	cmd.AddCommand(newSyncImportCommand(opts))
	cmd.AddCommand(newSyncAckCommand(opts))
	cmd.AddCommand(newSyncRecordsCommand(opts))
	return cmd
}

func newSyncExportCommand(opts *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export CENTER",
		Short: "Write the changes CENTER is missing to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			center, err := findCenter(cmd.Context(), st, args[0])
			if err != nil {
				return f.Fail(ExitFailure, "export", err)
			}
			file, err := os.Create(out)
			if err != nil {
				return f.Fail(ExitCommandError, "export", err)
			}
			defer file.Close()

			rec, err := opts.synchronizer(st).ExportFile(cmd.Context(), center, file)
			if err != nil {
				return f.Fail(ExitFailure, "export", err)
			}
			if err := file.Close(); err != nil {
				return f.Fail(ExitFailure, "export", err)
			}
			f.VerboseLog("Wrote %s", out)
			return f.Success(SyncReport{Center: center.Name, RecordID: rec.ID})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newSyncImportCommand(opts *RootOptions) *cobra.Command {
	var (
		in         string
		receiptOut string
	)

	cmd := &cobra.Command{
		Use:   "import CENTER",
		Short: "Import a sync file written by CENTER",
		Long: `Import a sync file and print the receipt to hand back to the exporting
center. Changes are recorded in the log; there is no application data set
to apply them to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			center, err := findCenter(cmd.Context(), st, args[0])
			if err != nil {
				return f.Fail(ExitFailure, "import", err)
			}
			file, err := os.Open(in)
			if err != nil {
				return f.Fail(ExitCommandError, "import", err)
			}
			defer file.Close()

			receipt, res, err := opts.synchronizer(st).ImportFile(cmd.Context(), center, file)
			if res == nil {
				return f.Fail(ExitFailure, "import", err)
			}
			report := newSyncReport(res)
			report.Receipt = string(receipt)
			if receiptOut != "" && receipt != nil {
				if werr := os.WriteFile(receiptOut, receipt, 0o644); werr != nil {
					return f.Fail(ExitFailure, "write receipt", werr)
				}
			}
			if err != nil {
				if outErr := f.Success(report); outErr != nil {
					return outErr
				}
				return &ExitError{Code: ExitFailure, Message: "import", Err: err, reported: true}
			}
			return f.Success(report)
		},
	}

	cmd.Flags().StringVarP(&in, "in", "i", "", "sync file to import")
	cmd.Flags().StringVar(&receiptOut, "receipt-out", "", "also write the receipt to this file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newSyncAckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack RECEIPT",
		Short: "Close an export with the receipt the peer returned",
		Long: `Close an export with its receipt. RECEIPT is the hex text printed by
sync import, or @FILE to read it from a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			data, err := readArg(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "read receipt", err)
			}
			receipt, err := syncer.DecodeReceipt(data)
			if err != nil {
				return f.Fail(ExitCommandError, "ack", err)
			}
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			if err := opts.synchronizer(st).HandleReceipt(cmd.Context(), data); err != nil {
				return f.Fail(ExitFailure, "ack", err)
			}
			return f.Success(ReceiptView{Receipt: receipt})
		},
	}
}

// SyncRecordList is the output of sync records.
type SyncRecordList []SyncRecordView

// SyncRecordView is the output form of a sync record.
type SyncRecordView struct {
	ID         int64   `json:"id"`
	Center     string  `json:"center"`
	Type       string  `json:"type"`
	Time       int64   `json:"time"`
	Import     bool    `json:"import"`
	ParallelID int64   `json:"parallelID,omitempty"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
}

func newSyncRecordView(r *record.SyncRecord) SyncRecordView {
	v := SyncRecordView{
		ID:         r.ID,
		Type:       string(r.Type),
		Time:       r.Time,
		Import:     r.IsImport,
		ParallelID: r.ParallelID,
		Status:     "ok",
	}
	if r.Center != nil {
		v.Center = r.Center.Name
	}
	switch {
	case r.Pending():
		v.Status = "pending"
	case r.SyncError != nil:
		v.Status = "failed"
		v.Error = r.SyncError
	}
	return v
}

func (l SyncRecordList) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCENTER\tDIRECTION\tTYPE\tTIME\tSTATUS\t")
	for _, r := range l {
		dir := "export"
		if r.Import {
			dir = "import"
		}
		status := r.Status
		if r.Error != nil {
			status += ": " + *r.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t\n", r.ID, r.Center, dir, r.Type, stamp(r.Time), status)
	}
	return tw.Flush()
}

func newSyncRecordsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "records [CENTER]",
		Short: "List sync attempts, optionally of one center",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			var center *record.Center
			if len(args) == 1 {
				if center, err = findCenter(cmd.Context(), st, args[0]); err != nil {
					return f.Fail(ExitFailure, "sync records", err)
				}
			}
			recs, err := st.SyncRecords(cmd.Context(), center)
			if err != nil {
				return f.Fail(ExitFailure, "sync records", err)
			}
			out := SyncRecordList{}
			for _, r := range recs {
				out = append(out, newSyncRecordView(r))
			}
			return f.Success(out)
		},
	}
}

// NewReceiptCommand creates the receipt command.
func NewReceiptCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Inspect sync receipts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode RECEIPT",
		Short: "Decode a hex receipt (or @FILE)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			data, err := readArg(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "read receipt", err)
			}
			r, err := syncer.DecodeReceipt(data)
			if err != nil {
				return f.Fail(ExitCommandError, "decode receipt", err)
			}
			return f.Success(ReceiptView{Receipt: r})
		},
	})
	return cmd
}

// readArg returns arg, or the trimmed contents of FILE for "@FILE".
func readArg(arg string) ([]byte, error) {
	name, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return []byte(strings.TrimSpace(arg)), nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(data), nil
}
