package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/jobledger/internal/app"
	"github.com/rpattn/jobledger/internal/config"
	"github.com/rpattn/jobledger/internal/db"
	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/export"
	"github.com/rpattn/jobledger/internal/ledger"
)

// appOpener builds the application for a command; tests swap in memory stores.
type appOpener func(ctx context.Context, configDir string) (*app.App, error)

func openApp(ctx context.Context, configDir string) (*app.App, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	cfg.AutoMigrate = false
	return app.New(ctx, cfg, slog.Default())
}

func newRootCmd(open appOpener) *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Inspect, export and revert job order history",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing config.yaml")

	withApp := func(cmd *cobra.Command, fn func(*app.App) error) error {
		application, err := open(cmd.Context(), configDir)
		if err != nil {
			return err
		}
		defer application.Close()
		return fn(application)
	}

	rootCmd.AddCommand(
		newMigrateCmd(&configDir),
		newHistoryCmd(withApp),
		newExportCmd(withApp),
		newRevertCmd(withApp),
		newProfileCmd(withApp),
	)
	return rootCmd
}

type appRunner func(cmd *cobra.Command, fn func(*app.App) error) error

func newMigrateCmd(configDir *string) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			if err := db.RunMigrations(cfg.Database); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the given number of migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return errors.New("--steps must be positive")
			}
			cfg, err := config.Load(*configDir)
			if err != nil {
				return err
			}
			if err := db.RollbackMigrations(cfg.Database, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	migrateCmd.AddCommand(upCmd, downCmd)
	return migrateCmd
}

func newHistoryCmd(run appRunner) *cobra.Command {
	var (
		actor, from, to string
		asJSON          bool
	)
	cmd := &cobra.Command{
		Use:   "history <job-order-id>",
		Short: "Print a job order's change history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job order id: %w", err)
			}
			filter, err := domain.ParseHistoryFilter(actor, from, to)
			if err != nil {
				return err
			}
			return run(cmd, func(a *app.App) error {
				view, err := a.History.History(cmd.Context(), id, filter)
				if err != nil {
					return err
				}
				if asJSON {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					return encoder.Encode(view)
				}
				return printHistory(cmd.OutOrStdout(), view.Entries)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor id")
	cmd.Flags().StringVar(&from, "from", "", "earliest change (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest change (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printHistory(out io.Writer, entries []ledger.HistoryEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tCHANGED AT\tCHANGED BY\tACTION\tCHANGES")
	for _, entry := range entries {
		changes := domain.FormatChanges(entry.ChangedFields, export.ChangeSeparator)
		if entry.IsRevert() {
			changes = fmt.Sprintf("%s (revert of %s)", changes, entry.RevertedFrom)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			entry.ID,
			entry.ChangedAt.UTC().Format(time.RFC3339),
			entry.ChangedByName,
			entry.Action,
			changes,
		)
	}
	return tw.Flush()
}

func newExportCmd(run appRunner) *cobra.Command {
	var (
		formatName, outDir string
		actor, from, to    string
	)
	cmd := &cobra.Command{
		Use:   "export <job-order-id>",
		Short: "Write a job order's history to a CSV or XLSX file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job order id: %w", err)
			}
			format, err := export.ParseFormat(formatName)
			if err != nil {
				return err
			}
			filter, err := domain.ParseHistoryFilter(actor, from, to)
			if err != nil {
				return err
			}
			return run(cmd, func(a *app.App) error {
				var body bytes.Buffer
				name, err := a.History.ExportHistory(cmd.Context(), id, filter, format, &body)
				if err != nil {
					return err
				}
				path := filepath.Join(outDir, name)
				if err := os.WriteFile(path, body.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formatName, "format", string(export.FormatCSV), "csv or xlsx")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory to write the file into")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor id")
	cmd.Flags().StringVar(&from, "from", "", "earliest change (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest change (RFC3339 or YYYY-MM-DD)")
	return cmd
}

func newRevertCmd(run appRunner) *cobra.Command {
	var (
		actor string
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "revert <entry-id>",
		Short: "Restore a job order to the state recorded by a log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id: %w", err)
			}
			if strings.TrimSpace(actor) == "" {
				return errors.New("--actor is required")
			}
			return run(cmd, func(a *app.App) error {
				out := cmd.OutOrStdout()
				changes, err := a.History.PreviewRevert(cmd.Context(), entryID)
				if err != nil {
					return err
				}
				if len(changes) == 0 {
					fmt.Fprintln(out, "job order already matches this entry")
				} else {
					fmt.Fprintln(out, "reverting will change:")
					for _, change := range changes {
						fmt.Fprintf(out, "  %s\n", domain.FormatChanges([]domain.FieldChange{change}, ""))
					}
				}
				if !yes {
					return errors.New("revert not confirmed, rerun with --yes")
				}

				order, err := a.History.RevertTo(cmd.Context(), entryID, actor)
				var revertErr *domain.RevertError
				if errors.As(err, &revertErr) && revertErr.EntityChanged() {
					fmt.Fprintf(out, "warning: %v\n", err)
					err = nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "job order %s now at version %d\n", order.ID, order.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id recorded on the revert")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the revert")
	return cmd
}

func newProfileCmd(run appRunner) *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "profile <actor-id>",
		Short: "Create or rename the profile shown for an actor id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app.App) error {
				profile, err := a.Profiles.Upsert(cmd.Context(), domain.NewProfile(args[0], name, role))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", profile.ID, profile.Label())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role")
	return cmd
}
