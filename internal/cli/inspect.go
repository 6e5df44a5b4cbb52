package cli

import (
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/storage"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
}

// inspectedSession is one session row in inspect output.
type inspectedSession struct {
	Session string `json:"session"`
	Count   int    `json:"count"`
}

// inspectedCoValue is one CoValue in inspect output.
type inspectedCoValue struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Ruleset  string             `json:"ruleset"`
	Sessions []inspectedSession `json:"sessions"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List stored CoValues and their session logs",
		Long: `Open a weft database and list every stored CoValue with its type,
ruleset, and per-session transaction counts.

Example:
  weft inspect --db weft.db
  weft inspect --db weft.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	st, err := storage.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	ids, err := st.CoValueIDs(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list covalues", err)
	}

	var out []inspectedCoValue
	for _, id := range ids {
		header, ok, err := st.Header(ctx, id)
		if err != nil || !ok {
			return WrapExitError(ExitFailure, "read header", err)
		}
		sessions, err := st.Sessions(ctx, id)
		if err != nil {
			return WrapExitError(ExitFailure, "list sessions", err)
		}
		cv := inspectedCoValue{
			ID:      string(id),
			Type:    string(header.Type),
			Ruleset: string(header.Ruleset.Type),
		}
		for _, s := range sessions {
			cv.Sessions = append(cv.Sessions, inspectedSession{
				Session: string(s.Session),
				Count:   s.Count,
			})
		}
		out = append(out, cv)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return f.PrintJSON(out)
	}
	for _, cv := range out {
		f.Printf("%s  %s/%s\n", cv.ID, cv.Type, cv.Ruleset)
		for _, s := range cv.Sessions {
			f.Printf("  %s  %d transactions\n", s.Session, s.Count)
		}
	}
	if len(out) == 0 {
		f.Printf("no covalues stored\n")
	}
	return nil
}
