package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KnowledgeAudit/internal/config"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "knowledgeaudit",
	Short:   "Audit chat transcripts for knowledge gaps",
	Long:    "KnowledgeAudit re-reads chat assistant transcripts, verifies the answers against the organization's website, and records knowledge gaps for review.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging("info", "text")

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("could not read .env", "error", err)
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg.Logging.Level, cfg.Logging.Format)
		slog.Debug("config loaded", "path", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(importCmd)
}

func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("knowledgeaudit", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/knowledgeaudit/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set your website, its pages, and the LLM provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and audit status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		counts, err := db.CountGaps(ctx)
		if err != nil {
			return fmt.Errorf("counting gaps: %w", err)
		}

		fmt.Println(titleStyle.Render("KnowledgeAudit"))
		fmt.Printf("Organization: %s (%s)\n", cfg.Organization.Name, cfg.Organization.BaseURL)
		fmt.Printf("Storage: %s, schema v%d", db.Dialect(), stats.SchemaVersion)
		if stats.SchemaDirty {
			fmt.Print(" (dirty)")
		}
		fmt.Println()

		fmt.Println("\nTranscripts:")
		fmt.Printf("  Total: %d (%d messages)\n", stats.Transcripts, stats.Messages)
		fmt.Println("\nKnowledge gaps:")
		fmt.Printf("  Total: %d, open: %d\n", stats.Gaps, stats.OpenGaps)
		for _, sev := range database.Severities {
			fmt.Printf("  %s %d\n", severityBadge(sev), counts.BySeverity[sev])
		}
		for _, st := range database.Statuses {
			fmt.Printf("  %-15s %d\n", st, counts.ByStatus[st])
		}
		fmt.Println("\nAudit runs:")
		fmt.Printf("  Total: %d\n", stats.Runs)
		if stats.LastRunAt != nil {
			status := ""
			if stats.LastRunStatus != nil {
				status = string(*stats.LastRunStatus)
			}
			fmt.Printf("  Last: %s (%s)\n", stats.LastRunAt.Local().Format("2006-01-02 15:04"), status)
		}
		return nil
	},
}

func openDB(ctx context.Context) (*database.DB, error) {
	if cfg.Storage.Driver == "postgres" {
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, fmt.Errorf("storage.driver is postgres but $%s is empty", cfg.Storage.DSNEnv)
		}
		return database.OpenPostgres(ctx, dsn)
	}

	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "knowledgeaudit.db"))
}

func newProvider() llm.Provider {
	return llm.CreateProvider(llm.Options{
		Provider:          cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		OllamaURL:         cfg.LLM.OllamaURL,
		APIKey:            cfg.APIKey(),
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
}
