package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/meshlog/internal/record"
)

// policyFlags collects an auto-purge policy from flags.
type policyFlags struct {
	entries      int
	age          time.Duration
	excludeUsers []int64
	excludeTypes []string
}

func (p *policyFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&p.entries, "entries", 0, "keep only the N most recent changes")
	fs.DurationVar(&p.age, "age", 0, "purge changes older than this")
	fs.Int64SliceVar(&p.excludeUsers, "exclude-user", nil, "never purge changes by this user ID")
	fs.StringSliceVar(&p.excludeTypes, "exclude-type", nil, "never purge changes of this type (subject/change/additivity)")
}

// policy builds the policy; unset flags leave their rule off.
func (p *policyFlags) policy(fs *pflag.FlagSet) (*record.AutoPurger, error) {
	out := &record.AutoPurger{}
	if fs.Changed("entries") {
		n := p.entries
		out.EntryCount = &n
	}
	if fs.Changed("age") {
		ms := p.age.Milliseconds()
		out.Age = &ms
	}
	for _, id := range p.excludeUsers {
		out.ExcludedUsers = append(out.ExcludedUsers, record.User{ID: id})
	}
	for _, s := range p.excludeTypes {
		rt, err := record.ParseRecordType(s)
		if err != nil {
			return nil, record.WrapError(record.ErrCodeBadPolicy, "exclude-type", err)
		}
		out.ExcludedTypes = append(out.ExcludedTypes, rt)
	}
	return out, out.Validate()
}

// NewPurgeCommand creates the purge command group.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Trim the change log",
		Long: `Trim the change log by retention policy or by change ID.

Changes a peer may still need, changes whose export keeps failing and
excluded users and types are never purged automatically.`,
	}
	cmd.AddCommand(newPurgePreviewCommand(opts))
	cmd.AddCommand(newPurgeApplyCommand(opts))
	cmd.AddCommand(newPurgeShowCommand(opts))
	cmd.AddCommand(newPurgeChangesCommand(opts))
	cmd.AddCommand(newPurgeSafeTimeCommand(opts))
	return cmd
}

func newPurgePreviewCommand(opts *RootOptions) *cobra.Command {
	pf := &policyFlags{}
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Count the changes a policy would purge now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			policy, err := pf.policy(cmd.Flags())
			if err != nil {
				return f.Fail(ExitCommandError, "policy", err)
			}
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			n, err := st.PreviewAutoPurge(cmd.Context(), policy)
			if err != nil {
				return f.Fail(ExitFailure, "preview", err)
			}
			return f.Success(PurgeReport{Action: "preview", Count: n})
		},
	}
	pf.register(cmd.Flags())
	return cmd
}

func newPurgeApplyCommand(opts *RootOptions) *cobra.Command {
	pf := &policyFlags{}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Store a retention policy and purge by it",
		Long: `Replace the auto-purge policy. Every difference from the old policy is
recorded as a change, then one purge pass runs with the new policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			policy, err := pf.policy(cmd.Flags())
			if err != nil {
				return f.Fail(ExitCommandError, "policy", err)
			}
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			n, err := st.SetAutoPurger(cmd.Context(), opts.txn(), policy)
			if err != nil {
				return f.Fail(ExitFailure, "apply policy", err)
			}
			return f.Success(PurgeReport{Action: "apply", Count: n})
		},
	}
	pf.register(cmd.Flags())
	return cmd
}

// PolicyView is the output form of the stored policy.
type PolicyView struct {
	EntryCount    *int     `json:"entryCount,omitempty"`
	Age           *int64   `json:"age,omitempty"`
	ExcludedUsers []int64  `json:"excludedUsers,omitempty"`
	ExcludedTypes []string `json:"excludedTypes,omitempty"`
}

func (v PolicyView) WriteText(w io.Writer) error {
	entries, age := "off", "off"
	if v.EntryCount != nil {
		entries = strconv.Itoa(*v.EntryCount)
	}
	if v.Age != nil {
		age = (time.Duration(*v.Age) * time.Millisecond).String()
	}
	fmt.Fprintf(w, "entries: %s\nage: %s\n", entries, age)
	for _, u := range v.ExcludedUsers {
		fmt.Fprintf(w, "excluded user: %d\n", u)
	}
	for _, t := range v.ExcludedTypes {
		fmt.Fprintf(w, "excluded type: %s\n", t)
	}
	return nil
}

func newPurgeShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			p, err := st.AutoPurger(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, "read policy", err)
			}
			v := PolicyView{EntryCount: p.EntryCount, Age: p.Age}
			for _, u := range p.ExcludedUsers {
				v.ExcludedUsers = append(v.ExcludedUsers, u.ID)
			}
			for _, t := range p.ExcludedTypes {
				v.ExcludedTypes = append(v.ExcludedTypes, t.String())
			}
			return f.Success(v)
		},
	}
}

func newPurgeChangesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "changes ID...",
		Short: "Purge changes by ID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return f.Fail(ExitCommandError, "parse change id", err)
				}
				ids = append(ids, id)
			}
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			n, err := st.PurgeBatch(cmd.Context(), ids)
			if err != nil {
				return f.Fail(ExitFailure, fmt.Sprintf("purged %d of %d changes", n, len(ids)), err)
			}
			return f.Success(PurgeReport{Action: "changes", Count: n})
		},
	}
}

func newPurgeSafeTimeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "safe-time",
		Short: "Show the time before which no peer still needs changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			t, err := st.PurgeSafeTime(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, "safe time", err)
			}
			return f.Success(SafeTime{Time: t})
		},
	}
}
