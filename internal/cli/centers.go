package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
)

// NewCentersCommand creates the centers command group.
func NewCentersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "centers",
		Short: "Manage the centers this installation syncs with",
	}
	cmd.AddCommand(newCentersListCommand(opts))
	cmd.AddCommand(newCentersAddCommand(opts))
	cmd.AddCommand(newCentersRemoveCommand(opts))
	return cmd
}

func newCentersListCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List centers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			centers, err := st.Centers(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, "list centers", err)
			}
			out := CenterList{}
			for _, c := range centers {
				if c.Deleted && !all {
					continue
				}
				out = append(out, newCenterView(c))
			}
			return f.Success(out)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include removed centers")
	return cmd
}

func newCentersAddCommand(opts *RootOptions) *cobra.Command {
	var (
		url      string
		saveTime time.Duration
		priority int
		centerID int
	)

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a peer center",
		Long: `Register a peer. Unless --center-id is given, its global ID stays
unknown until the first successful import from it. File exports need the
ID to accept the peer's receipt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			if _, err := findCenter(cmd.Context(), st, args[0]); err == nil {
				return f.Fail(ExitFailure, "add center", fmt.Errorf("center %q already exists", args[0]))
			}
			c := record.NewCenter(args[0])
			c.ServerURL = url
			c.ChangeSaveTime = saveTime.Milliseconds()
			c.Priority = priority
			if err := st.PutCenter(cmd.Context(), opts.txn(), c); err != nil {
				return f.Fail(ExitFailure, "add center", err)
			}
			if cmd.Flags().Changed("center-id") {
				if err := st.SetCenterID(cmd.Context(), c.ID, centerID); err != nil {
					return f.Fail(ExitFailure, "add center", err)
				}
				c.CenterID = centerID
			}
			return f.Success(newCenterView(c))
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "server URL of the peer")
	cmd.Flags().DurationVar(&saveTime, "save-time", 0, "how long the peer keeps changes for us")
	cmd.Flags().IntVar(&priority, "priority", 0, "sync priority")
	cmd.Flags().IntVar(&centerID, "center-id", 0, "global ID of the peer, if known")
	return cmd
}

func newCentersRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a peer center",
		Long: `Soft-delete a peer. It no longer takes part in syncs or holds back
purging; the row is deleted once no change refers to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			c, err := findCenter(cmd.Context(), st, args[0])
			if err != nil {
				return f.Fail(ExitFailure, "remove center", err)
			}
			if err := st.RemoveCenter(cmd.Context(), opts.txn(), c); err != nil {
				return f.Fail(ExitFailure, "remove center", err)
			}
			return f.Success(newCenterView(c))
		},
	}
}

// findCenter looks a live center up by name.
func findCenter(ctx context.Context, k keeper.RecordKeeper, name string) (*record.Center, error) {
	centers, err := k.Centers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range centers {
		if c.Name == name && !c.Deleted {
			return c, nil
		}
	}
	return nil, record.NewError(record.ErrCodeUnknownCenter, fmt.Sprintf("no center named %q", name))
}
