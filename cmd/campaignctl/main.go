package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "campaignctl",
		Short:        "Operate campaigns and schedules from the shell",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before the environment")

	root.AddCommand(newResumeCmd(), newStatsCmd(), newVerifySenderCmd(), newSchedulesCmd(), newLogsCmd())
	return root
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, envFile)
	if err != nil {
		return err
	}
	log := zerolog.Nop()
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		log = logger.New(cfg.Log)
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <campaign-id>",
		Short: "Run the dispatch loop for a campaign in the foreground",
		Long: `Send every recipient of the campaign that is still pending.

Already sent or failed recipients are never retried, so this is safe to run
on a campaign that was interrupted or has already completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.Run(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "campaign %d: %d sent, %d failed (run %s)\n", id, res.Sent, res.Failed, res.RunID)
				return nil
			})
		},
	}
	cmd.Flags().Bool("verbose", false, "log dispatch progress")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <campaign-id>",
		Short: "Print recipient counts of a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.CampaignRepo.GetByID(ctx, id)
				if err != nil {
					return err
				}
				stats, err := a.Dispatcher.Stats(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] total=%d sent=%d failed=%d pending=%d\n",
					c.Name, c.Status, stats.Total, stats.Sent, stats.Failed, stats.Pending)
				return nil
			})
		},
	}
}

func newVerifySenderCmd() *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "verify-sender <sender-id>",
		Short: "Open and close an SMTP session with the sender's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Senders.Verify(ctx, id, owner); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sender %d ok\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owning user id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSchedulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List active schedules and their next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				schedules, err := a.ScheduleRepo.ListActive(ctx)
				if err != nil {
					return err
				}
				if err := a.Registry.Initialize(ctx); err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSER\tNAME\tCRON\tLAST RUN\tNEXT")
				for _, s := range schedules {
					last := "-"
					if s.LastRun != nil {
						last = s.LastRun.Format("2006-01-02 15:04")
					}
					next := "invalid"
					if t, ok := a.Registry.Next(s.ID); ok {
						next = t.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", s.ID, s.UserID, s.Name, s.CronPattern, last, next)
				}
				return tw.Flush()
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the audit log of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				logs, err := a.LogRepo.ListByUser(ctx, user)
				if err != nil {
					return err
				}
				printLogs(cmd.OutOrStdout(), logs)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printLogs(w io.Writer, logs []model.Log) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tDETAILS")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.CreatedAt.Format("2006-01-02 15:04:05"), l.Action, l.Details)
	}
	_ = tw.Flush()
}
