package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/report"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	severityStyles = map[database.Severity]lipgloss.Style{
		database.SeverityIncorrect:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		database.SeverityUnanswered: lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		database.SeverityIncomplete: lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
	}
)

func severityBadge(s database.Severity) string {
	return severityStyles[s].Render(fmt.Sprintf("%-10s", s))
}

var (
	gapStatus     string
	gapSeverity   string
	gapTranscript string
	gapRun        string
	gapLimit      int
	gapPage       int

	reviewStatus     string
	reviewCorrection string
	reviewNotes      string
	reviewBy         string

	runsLimit int

	reportStatus string
	reportHTML   bool
	reportOutput string
)

func init() {
	gapsListCmd.Flags().StringVar(&gapStatus, "status", "", "Filter by status (new, reviewed, resolved, false_positive)")
	gapsListCmd.Flags().StringVar(&gapSeverity, "severity", "", "Filter by severity (incorrect, unanswered, incomplete)")
	gapsListCmd.Flags().StringVar(&gapTranscript, "transcript", "", "Filter by transcript ID")
	gapsListCmd.Flags().StringVar(&gapRun, "run", "", "Filter by audit run ID")
	gapsListCmd.Flags().IntVarP(&gapLimit, "limit", "n", 20, "Gaps per page")
	gapsListCmd.Flags().IntVar(&gapPage, "page", 1, "Page number")

	gapsReviewCmd.Flags().StringVar(&reviewStatus, "status", "", "New status")
	gapsReviewCmd.Flags().StringVar(&reviewCorrection, "correction", "", "Corrected answer")
	gapsReviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "Resolution notes")
	gapsReviewCmd.Flags().StringVar(&reviewBy, "by", "", "Reviewer name (default $USER)")

	gapsCmd.AddCommand(gapsListCmd)
	gapsCmd.AddCommand(gapsShowCmd)
	gapsCmd.AddCommand(gapsReviewCmd)

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "Number of runs to show")

	reportCmd.Flags().StringVar(&reportStatus, "status", "", "Only include gaps with this status")
	reportCmd.Flags().BoolVar(&reportHTML, "html", false, "Render HTML instead of Markdown")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write the report to a file instead of stdout")
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "List and review knowledge gaps",
}

var gapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge gaps, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if gapLimit < 1 || gapPage < 1 {
			return fmt.Errorf("--limit and --page must be positive")
		}
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		gaps, total, err := db.ListGaps(ctx, database.GapFilter{
			Status:       database.GapStatus(gapStatus),
			Severity:     database.Severity(gapSeverity),
			TranscriptID: gapTranscript,
			RunID:        gapRun,
			Limit:        gapLimit,
			Offset:       (gapPage - 1) * gapLimit,
		})
		if err != nil {
			return err
		}
		if total == 0 {
			fmt.Println("No knowledge gaps found.")
			return nil
		}

		for _, g := range gaps {
			fmt.Printf("%s %s  %s\n", severityBadge(g.Severity), g.ID, truncate(g.Question, 70))
			fmt.Println(dimStyle.Render(fmt.Sprintf("           %s · transcript %s · %s",
				g.Status, g.TranscriptID, g.CreatedAt.Local().Format("2006-01-02"))))
		}
		pages := (total + gapLimit - 1) / gapLimit
		fmt.Println(dimStyle.Render(fmt.Sprintf("\nPage %d of %d (%d gaps)", gapPage, pages, total)))
		return nil
	},
}

var gapsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one knowledge gap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		g, err := db.GetGap(ctx, args[0])
		if err != nil {
			return err
		}
		printGap(g)
		return nil
	},
}

var gapsReviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Update a gap's status, correction or notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		review := database.GapReview{Status: database.GapStatus(reviewStatus)}
		if cmd.Flags().Changed("correction") {
			review.HumanCorrection = &reviewCorrection
		}
		if cmd.Flags().Changed("notes") {
			review.ResolutionNotes = &reviewNotes
		}
		if review.Status.Closed() {
			by := reviewBy
			if by == "" {
				by = os.Getenv("USER")
			}
			if by != "" {
				review.ResolvedBy = &by
			}
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		g, err := db.ReviewGap(ctx, args[0], review)
		if err != nil {
			return err
		}
		printGap(g)
		return nil
	},
}

func printGap(g *database.KnowledgeGap) {
	fmt.Println(titleStyle.Render(g.Question))
	fmt.Printf("ID:          %s\n", g.ID)
	fmt.Printf("Severity:    %s\n", severityBadge(g.Severity))
	fmt.Printf("Status:      %s\n", g.Status)
	fmt.Printf("Transcript:  %s\n", g.TranscriptID)
	if g.RunID != nil {
		fmt.Printf("Run:         %s\n", *g.RunID)
	}
	fmt.Printf("Found:       %s\n", g.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("\nAssistant said:\n  %s\n", g.AssistantResponse)
	fmt.Printf("\nSuggested answer:\n  %s\n", g.SuggestedAnswer)
	if g.SourceURL != nil {
		fmt.Printf("\nSource: %s\n", *g.SourceURL)
	}
	if g.HumanCorrection != nil {
		fmt.Printf("\nCorrection:\n  %s\n", *g.HumanCorrection)
	}
	if g.ResolutionNotes != nil {
		fmt.Printf("\nNotes: %s\n", *g.ResolutionNotes)
	}
	if g.ResolvedAt != nil {
		by := "unknown"
		if g.ResolvedBy != nil {
			by = *g.ResolvedBy
		}
		fmt.Printf("\nClosed %s by %s\n", g.ResolvedAt.Local().Format("2006-01-02 15:04"), by)
	}
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent audit runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No audit runs yet.")
			return nil
		}
		for _, r := range runs {
			kind := ""
			if r.DryRun {
				kind = " (dry run)"
			}
			fmt.Printf("%s  %-9s %s%s\n", r.ID, r.Status, database.FormatRange(r.StartDate, r.EndDate), kind)
			fmt.Println(dimStyle.Render(fmt.Sprintf("    %d transcripts, %d gaps, %d errors, started %s",
				r.TranscriptsAnalyzed, r.GapsFound, r.Errors, r.StartedAt.Local().Format("2006-01-02 15:04"))))
			if r.ErrorMessage != nil {
				fmt.Println(dimStyle.Render("    " + *r.ErrorMessage))
			}
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a knowledge gap report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		gaps, _, err := db.ListGaps(ctx, database.GapFilter{Status: database.GapStatus(reportStatus)})
		if err != nil {
			return err
		}
		rep := report.Report{
			Title:     "Knowledge gap report: " + cfg.Organization.Name,
			Generated: time.Now(),
			Gaps:      gaps,
		}

		out := []byte(rep.Markdown())
		if reportHTML {
			if out, err = rep.HTML(); err != nil {
				return err
			}
		}
		if reportOutput == "" {
			_, err = os.Stdout.Write(out)
			return err
		}
		if err := os.WriteFile(reportOutput, out, 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("Report written to %s (%d gaps)\n", reportOutput, len(gaps))
		return nil
	},
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
