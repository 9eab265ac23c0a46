package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshlog/internal/search"
)

// HistoryOptions holds the filters of the history command.
type HistoryOptions struct {
	Subject      string
	Change       string
	User         int64
	Since        time.Duration
	Limit        int
	IncludeLocal bool
}

// Search builds the search the filters describe. now is Unix milliseconds.
func (o HistoryOptions) Search(now int64) search.Search {
	terms := []search.Search{}
	if o.Subject != "" {
		terms = append(terms, &search.SubjectTypeIs{Type: search.Lit(o.Subject)})
	}
	if o.Change != "" {
		terms = append(terms, &search.ChangeTypeIs{Type: search.Lit(o.Change)})
	}
	if o.User >= 0 {
		terms = append(terms, &search.UserIs{User: search.Lit(o.User)})
	}
	if o.Since > 0 {
		terms = append(terms, &search.ChangeTime{
			Op:    search.GTE,
			Value: search.Lit(search.At(now - o.Since.Milliseconds())),
		})
	}
	if o.IncludeLocal {
		terms = append(terms, &search.LocalOnly{Value: search.Null[bool]()})
	}
	return search.All(terms...)
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	hopts := HistoryOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Search the change log",
		Long: `List changes matching the filters, newest first.

Local-only changes are hidden unless --local is given.`,
		Example: `  meshlog history --subject center --since 24h
  meshlog history --user 7 --limit 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			q := hopts.Search(time.Now().UnixMilli())
			f.VerboseLog("Searching with %d filters", len(q.(*search.And).Terms))
			ids, err := st.Search(cmd.Context(), q, search.SortBy(search.Desc(search.SortChangeTime)))
			if err != nil {
				return f.Fail(ExitFailure, "search", err)
			}
			if hopts.Limit > 0 && len(ids) > hopts.Limit {
				ids = ids[:hopts.Limit]
			}
			raws, err := st.RawChanges(cmd.Context(), ids)
			if err != nil {
				return f.Fail(ExitFailure, "load changes", err)
			}
			out := History{}
			for _, r := range raws {
				out = append(out, newChangeView(r))
			}
			return f.Success(out)
		},
	}

	cmd.Flags().StringVar(&hopts.Subject, "subject", "", "subject type name")
	cmd.Flags().StringVar(&hopts.Change, "change", "", "change type name")
	cmd.Flags().Int64Var(&hopts.User, "user", -1, "author user ID")
	cmd.Flags().DurationVar(&hopts.Since, "since", 0, "only changes newer than this")
	cmd.Flags().IntVarP(&hopts.Limit, "limit", "n", 0, "maximum number of changes")
	cmd.Flags().BoolVar(&hopts.IncludeLocal, "local", false, "include local-only changes")
	return cmd
}
