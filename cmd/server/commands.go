package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/catalog"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/engagement"
	"github.com/warp/engagement-engine/ingest"
)

var errMismatches = errors.New("ledger mismatches found")

// =============================================================================
// RECONCILE
// =============================================================================

func newReconcileCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every account against its ledger",
		RunE: withRuntime(load, func(ctx context.Context, rt *runtime) error {
			scheduler := api.NewReconciliationScheduler(rt.engine, rt.runs, 0, rt.logger)
			run, err := scheduler.RunNow(ctx)
			if err != nil {
				return err
			}

			status := color.GreenString("OK")
			if run.Mismatches > 0 {
				status = color.RedString("MISMATCH")
			}
			fmt.Printf("%s  run %s: %d accounts, %d mismatches\n", status, run.ID, run.Accounts, run.Mismatches)
			if run.Mismatches > 0 {
				return errMismatches
			}
			return nil
		}),
	}
}

// =============================================================================
// ACCOUNT / LEADERBOARD
// =============================================================================

func newAccountCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account <patient-id>",
		Short: "Print an account and its achievement progress",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		patient := engagement.PatientID(args[0])
		return withRuntime(load, func(ctx context.Context, rt *runtime) error {
			acc, err := rt.engine.GetAccount(ctx, patient)
			if err != nil {
				return err
			}
			progress, err := rt.engine.GetAchievementProgress(ctx, patient)
			if err != nil {
				return err
			}
			printAccount(acc, rt.engine.Curve())
			return printProgress(progress)
		})(cmd, args)
	}
	return cmd
}

func printAccount(acc engagement.Account, curve engagement.LevelCurve) {
	lp := engagement.ExperienceToLevel(curve, acc.Experience)
	fmt.Println(color.CyanString("Patient %s", acc.PatientID))
	if acc.Archived {
		fmt.Println(color.YellowString("  archived"))
	}
	fmt.Printf("  points:  %d\n", acc.TotalPoints)
	fmt.Printf("  level:   %d (%.1f%% to next)\n", acc.Level, engagement.LevelProgressPct(curve, lp))
	fmt.Printf("  streak:  %d days (longest %d)\n", acc.CurrentStreakDays, acc.LongestStreakDays)
	if len(acc.Badges) > 0 {
		fmt.Printf("  badges:  %v\n", acc.Badges)
	}
}

func printProgress(progress []engagement.AchievementProgress) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nACHIEVEMENT\tPROGRESS\tUNLOCKED")
	for _, p := range progress {
		unlocked := ""
		if p.Unlocked {
			unlocked = color.GreenString(p.UnlockedAt.Format(time.DateOnly))
		}
		fmt.Fprintf(w, "%s\t%d%%\t%s\n", p.AchievementID, p.ProgressPercent, unlocked)
	}
	return w.Flush()
}

func newLeaderboardCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard <challenge-id>",
		Short: "Print a challenge leaderboard",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withRuntime(load, func(ctx context.Context, rt *runtime) error {
			entries, err := rt.engine.GetLeaderboard(ctx, engagement.ChallengeID(args[0]))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No participants yet.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tPATIENT\tSCORE\tPROGRESS")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d%%\n", e.Rank, e.PatientID, e.Score, e.ProgressPercent)
			}
			return w.Flush()
		})(cmd, args)
	}
	return cmd
}

// =============================================================================
// CATALOG / CONFIG
// =============================================================================

func newCatalogCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect catalog documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a catalog document against the schema and cross references",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cat, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d achievements, %d challenges, %d event rules\n",
				color.GreenString("valid"), args[0],
				len(cat.Achievements()), len(cat.Challenges()), len(cat.EventRules()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective catalog as JSON",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg.Catalog, time.Now())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(catalog.ToJSON(cat), "", "  ")
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		},
	})
	return cmd
}

func newConfigCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return config.Write(os.Stdout, cfg)
		},
	})
	return cmd
}

// =============================================================================
// EMIT
// =============================================================================

func newEmitCmd(load func() (config.Config, error)) *cobra.Command {
	var msg ingest.EventMessage

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish one event to the configured Kafka topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if msg.IdempotencyKey == "" {
				msg.IdempotencyKey = uuid.NewString()
			}
			if msg.OccurredAt.IsZero() {
				msg.OccurredAt = time.Now().UTC()
			}

			pub := ingest.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			defer pub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := pub.Publish(ctx, msg); err != nil {
				return fmt.Errorf("publish to %s: %w", cfg.Kafka.Topic, err)
			}
			fmt.Printf("%s %s for %s (key %s)\n",
				color.GreenString("published"), msg.Type, msg.PatientID, msg.IdempotencyKey)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&msg.PatientID, "patient", "", "patient id")
	f.StringVar(&msg.Type, "type", string(engagement.EventSessionCompleted), "event type")
	f.StringVar(&msg.IdempotencyKey, "key", "", "idempotency key (default: random)")
	f.Int64Var(&msg.Amount, "amount", 0, "activity amount")
	f.StringVar(&msg.RequirementKind, "kind", "", "requirement kind override")
	f.StringVar(&msg.CustomKey, "custom-key", "", "custom requirement key")
	f.StringVar(&msg.ChallengeID, "challenge", "", "challenge id (with --task)")
	f.StringVar(&msg.TaskID, "task", "", "task id (with --challenge)")
	f.StringVar(&msg.TimeZone, "time-zone", "", "IANA time zone for new accounts")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}
