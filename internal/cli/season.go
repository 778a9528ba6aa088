package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/ident"
)

func (r *runner) settleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <fixture-id>",
		Short: "Settle a fixture with a recorded result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Settlement.Settle(ctx, operator, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func (r *runner) replayCommand() *cobra.Command {
	var apply bool
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute market caps from opening caps and settled fixtures",
		Long: `replay folds every settled fixture, in kickoff order, over the teams' opening caps
and reports drift from the stored caps. With --apply it corrects the drift.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Settlement.Replay(ctx, operator, apply)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	replayCmd.Flags().BoolVar(&apply, "apply", false, "Write corrections for any drift found")
	return replayCmd
}

func (r *runner) leaderboardCommand() *cobra.Command {
	lbCmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Generate and show weekly leaderboards",
	}

	var weekEnd string
	generateCmd := &cobra.Command{
		Use:   "generate <week-start>",
		Short: "Rank users by return over the week starting on the given date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := ident.ParseWeek(args[0])
			if err != nil {
				return err
			}
			if weekEnd != "" {
				if end, err = time.Parse(ident.WeekLayout, weekEnd); err != nil {
					return fmt.Errorf("--week-end %q: expected %s", weekEnd, ident.WeekLayout)
				}
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Leaderboard.Generate(ctx, operator, start, end)
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			})
		},
	}
	generateCmd.Flags().StringVar(&weekEnd, "week-end", "", "Window end date (defaults to seven days after the start)")

	getCmd := &cobra.Command{
		Use:   "get <week-start>",
		Short: "Show a stored leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _, err := ident.ParseWeek(args[0])
			if err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Leaderboard.Get(ctx, start)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-5s %-16s %12s\n", "RANK", "USER", "RETURN")
				for _, e := range entries {
					fmt.Fprintf(out, "%-5d %-16s %12s\n", e.Rank, e.UserID, e.WeeklyReturn.StringFixed(6))
				}
				return nil
			})
		},
	}

	lbCmd.AddCommand(generateCmd, getCmd)
	return lbCmd
}
