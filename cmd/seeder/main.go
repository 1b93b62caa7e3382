// cmd/seeder/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/seed"
)

func main() {
	var file string

	cmd := &cobra.Command{
		Use:          "seeder",
		Short:        "Load senders, templates, clients and schedules from a YAML file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log)

			fh, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			defer fh.Close()

			fixtures, err := seed.Load(fh)
			if err != nil {
				return err
			}

			conn, err := db.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := seed.Apply(ctx, seed.Stores{
				Senders:   &repository.SenderRepository{DB: conn},
				Templates: &repository.TemplateRepository{DB: conn},
				Clients:   &repository.ClientRepository{DB: conn},
				Schedules: &repository.ScheduleRepository{DB: conn},
			}, fixtures)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Seeded: %d senders, %d templates, %d clients, %d schedules\n",
				res.Senders, res.Templates, res.Clients, res.Schedules)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed/fixtures.yaml", "fixtures file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
