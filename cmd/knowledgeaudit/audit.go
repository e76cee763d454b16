package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/KnowledgeAudit/internal/audit"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
	"github.com/TobiSchelling/KnowledgeAudit/internal/schedule"
	"github.com/TobiSchelling/KnowledgeAudit/internal/server"
)

var (
	auditStart  string
	auditEnd    string
	auditDryRun bool

	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	auditCmd.Flags().StringVar(&auditStart, "start", "", "First day to audit (YYYY-MM-DD, default yesterday)")
	auditCmd.Flags().StringVar(&auditEnd, "end", "", "Last day to audit, inclusive (default --start)")
	auditCmd.Flags().BoolVar(&auditDryRun, "dry-run", false, "Count transcripts without calling the model")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Reviewer name recorded on resolved gaps")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("subject")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit transcripts for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := auditRange(time.Now())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		provider := newProvider()
		if provider == nil && !auditDryRun {
			return errors.New("no LLM provider configured; check llm.provider and the API key")
		}

		runner, err := audit.New(cfg, db, provider, nil)
		if err != nil {
			return err
		}
		defer runner.Close()

		fmt.Printf("Auditing %s\n", database.FormatRange(start, end))
		run := runner.Run
		if auditDryRun {
			run = runner.DryRun
		}
		stats, err := run(ctx, start, end)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}

		if stats.DryRun {
			fmt.Printf("Dry run: %d transcripts would be audited\n", stats.TranscriptsAnalyzed)
			return nil
		}
		fmt.Println(titleStyle.Render("Audit complete"))
		fmt.Printf("  Run:          %s\n", stats.RunID)
		fmt.Printf("  Transcripts:  %d\n", stats.TranscriptsAnalyzed)
		fmt.Printf("  Gaps found:   %d\n", stats.GapsFound)
		fmt.Printf("  Errors:       %d\n", stats.Errors)
		if stats.Duplicates > 0 {
			fmt.Printf("  Duplicates:   %d skipped\n", stats.Duplicates)
		}
		return nil
	},
}

// auditRange resolves --start/--end. With neither flag the previous day is
// audited; --end alone is rejected.
func auditRange(now time.Time) (time.Time, time.Time, error) {
	if auditStart == "" {
		if auditEnd != "" {
			return time.Time{}, time.Time{}, errors.New("--end requires --start")
		}
		start, end := database.PreviousDay(now)
		return start, end, nil
	}
	start, err := database.ParseDate(auditStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	end := start
	if auditEnd != "" {
		if end, err = database.ParseDate(auditEnd); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, audit.ErrInvalidRange
	}
	return start, database.EndOfDay(end), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the audit schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		provider := newProvider()
		if provider == nil {
			slog.Warn("no LLM provider configured; audits other than dry runs will fail")
		}

		m := metrics.New()
		runner, err := audit.New(cfg, db, provider, m)
		if err != nil {
			return err
		}
		defer runner.Close()

		secret := cfg.JWTSecret()
		if secret == "" {
			slog.Warn("API authentication disabled", "env", cfg.Server.JWTSecretEnv)
		}
		srv := server.New(db, runner, server.Options{
			JWTSecret:    []byte(secret),
			Metrics:      m,
			Organization: cfg.Organization.Name,
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Serve(ctx, cfg.Server.Address, srv.Handler())
		})
		if cfg.Server.Schedule != "" {
			sched, err := schedule.New(cfg.Server.Schedule, func(ctx context.Context, start, end time.Time) error {
				stats, err := runner.Run(ctx, start, end)
				if err != nil {
					return err
				}
				slog.Info("scheduled audit finished",
					"run_id", stats.RunID,
					"transcripts", stats.TranscriptsAnalyzed,
					"gaps", stats.GapsFound,
					"errors", stats.Errors)
				return nil
			})
			if err != nil {
				return err
			}
			g.Go(func() error { return sched.Start(ctx) })
		}
		return g.Wait()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a reviewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := cfg.JWTSecret()
		if secret == "" {
			return fmt.Errorf("$%s is not set", cfg.Server.JWTSecretEnv)
		}
		tok, err := server.SignToken(tokenSubject, []byte(secret), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
