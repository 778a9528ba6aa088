package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/money"
)

func (r *runner) teamCommand() *cobra.Command {
	teamCmd := &cobra.Command{
		Use:   "team",
		Short: "Manage listed teams",
	}

	var (
		name     string
		capCents int64
		shares   int64
	)
	registerCmd := &cobra.Command{
		Use:   "register <team-id>",
		Short: "List a team with an opening market cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				team, err := a.Fixtures.RegisterTeam(ctx, operator, fixture.NewTeam{
					ID:              args[0],
					Name:            name,
					InitialCapCents: capCents,
					TotalShares:     shares,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, team)
			})
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the id)")
	registerCmd.Flags().Int64Var(&capCents, "cap-cents", 0, "Opening market cap in cents")
	registerCmd.Flags().Int64Var(&shares, "shares", 0, "Total shares (defaults to the configured count)")
	registerCmd.MarkFlagRequired("cap-cents")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List teams with their current price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				teams, err := a.Store.ListTeams(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-12s %14s %10s %10s\n", "TEAM", "MARKET CAP", "PRICE", "AVAILABLE")
				for _, t := range teams {
					nav, err := money.NAV(t.MarketCapCents, t.TotalShares)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%-12s %14s %10s %10d\n",
						t.ID, money.Format(t.MarketCapCents), money.Format(nav), t.AvailableShares)
				}
				return nil
			})
		},
	}

	teamCmd.AddCommand(registerCmd, listCmd)
	return teamCmd
}

func (r *runner) fixtureCommand() *cobra.Command {
	fixtureCmd := &cobra.Command{
		Use:   "fixture",
		Short: "Schedule fixtures and record results",
	}

	var home, away, kickoff string
	scheduleCmd := &cobra.Command{
		Use:   "schedule <fixture-id>",
		Short: "Schedule a fixture between two listed teams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, kickoff)
			if err != nil {
				return fmt.Errorf("--kickoff %q: expected RFC 3339", kickoff)
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				f, err := a.Fixtures.Schedule(ctx, operator, fixture.NewFixture{
					ID:         args[0],
					HomeTeamID: home,
					AwayTeamID: away,
					KickoffAt:  at,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, f)
			})
		},
	}
	scheduleCmd.Flags().StringVar(&home, "home", "", "Home team id")
	scheduleCmd.Flags().StringVar(&away, "away", "", "Away team id")
	scheduleCmd.Flags().StringVar(&kickoff, "kickoff", "", "Kickoff time (RFC 3339)")
	scheduleCmd.MarkFlagRequired("home")
	scheduleCmd.MarkFlagRequired("away")
	scheduleCmd.MarkFlagRequired("kickoff")

	resultCmd := &cobra.Command{
		Use:   "result <fixture-id> <home-score> <away-score>",
		Short: "Record a final score and settle the fixture",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			homeScore, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("home score %q: %w", args[1], err)
			}
			awayScore, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("away score %q: %w", args[2], err)
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Fixtures.RecordResult(ctx, operator, args[0], homeScore, awayScore)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot [fixture-id]",
		Short: "Capture pre-match caps for one fixture, or every fixture past kickoff",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					snap, err := a.Snapshots.Capture(ctx, operator, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, snap)
				}
				snaps, err := a.Snapshots.CaptureDue(ctx, operator, time.Now().UTC())
				if perr := printJSON(cmd, snaps); perr != nil {
					return perr
				}
				return err
			})
		},
	}

	fixtureCmd.AddCommand(scheduleCmd, resultCmd, snapshotCmd)
	return fixtureCmd
}

func (r *runner) walletCommand() *cobra.Command {
	walletCmd := &cobra.Command{
		Use:   "wallet",
		Short: "Open accounts and credit funds",
	}

	openCmd := &cobra.Command{
		Use:   "open <user-id>",
		Short: "Open a zero-balance account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				u, err := a.Wallet.OpenAccount(ctx, operator, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, u)
			})
		},
	}

	var key string
	creditCmd := &cobra.Command{
		Use:   "credit <user-id> <amount-cents>",
		Short: "Credit a user's wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}
			return r.with(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Wallet.Credit(ctx, operator, args[0], amount, key, a.Wallet.Currency())
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	creditCmd.Flags().StringVar(&key, "idempotency-key", "", "Key making the credit safe to repeat")

	walletCmd.AddCommand(openCmd, creditCmd)
	return walletCmd
}
