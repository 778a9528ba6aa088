// Package cli implements marketctl, the operator command line for the
// exchange. Commands run against the store directly with the internal
// capability.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/auth"
)

// Opener builds the engines for one command invocation. The returned func
// releases them.
type Opener func(ctx context.Context) (*app.App, func(), error)

// operator is the principal every command acts as.
var operator = auth.Internal("marketctl")

type runner struct {
	open Opener
}

// with opens the engines, runs fn and closes them again.
func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, closeFn, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, a)
}

// NewRootCommand returns the marketctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	r := &runner{open: open}
	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "Operate the team share exchange",
		Long:          `marketctl registers teams, schedules fixtures, records results and runs settlement, replay and leaderboard jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(r.migrateCommand())
	root.AddCommand(r.teamCommand())
	root.AddCommand(r.fixtureCommand())
	root.AddCommand(r.walletCommand())
	root.AddCommand(r.settleCommand())
	root.AddCommand(r.replayCommand())
	root.AddCommand(r.leaderboardCommand())
	return root
}

func (r *runner) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store migrates it.
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Store.Ping(ctx); err != nil {
					return fmt.Errorf("ping store: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
