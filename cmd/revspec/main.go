package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"revspec/internal/ai"
	"revspec/internal/config"
	"revspec/internal/crawler"
	"revspec/internal/emit"
	"revspec/internal/extractor"
	"revspec/internal/git"
	"revspec/internal/heuristic"
	"revspec/internal/knowledge"
	"revspec/internal/logging"
	"revspec/internal/patterns"
	"revspec/internal/pipeline"
)

var (
	rootCmd = &cobra.Command{
		Use:           "revspec",
		Short:         "Recover business specifications from legacy source code",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(verbose, logFormat)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}
	configPath string
	verbose    bool
	logFormat  string

	logger   = zap.NewNop()
	exitCode int
)

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "revspec.yaml", "Path to the YAML run configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log encoding: json or console")

	analyzeCmd.Flags().IntVarP(&analyzeWorkers, "workers", "w", 0, "Concurrent files (defaults to the configured value)")
	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "Directory for generated specifications")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "", "Specification format: yaml or json")
	analyzeCmd.Flags().StringVar(&analyzeReport, "report", "", "Path of the batch report")
	analyzeCmd.Flags().BoolVar(&analyzeNoAI, "no-ai", false, "Skip the AI enhancement stage")
	analyzeCmd.Flags().BoolVar(&analyzeNoStore, "no-patterns", false, "Run without the pattern repository")
	analyzeCmd.Flags().StringVar(&analyzeSince, "since", "", "Only analyze files changed since this git ref")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(patternsCmd)
}

// loadConfig loads the run configuration and applies command-line overrides.
func loadConfig() (*config.RunConfig, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if analyzeWorkers > 0 {
		cfg.Workers = analyzeWorkers
	}
	if analyzeOut != "" {
		cfg.Output.Dir = analyzeOut
	}
	if analyzeFormat != "" {
		cfg.Output.Format = analyzeFormat
	}
	if analyzeReport != "" {
		cfg.Output.Report = analyzeReport
	}
	if analyzeNoAI {
		cfg.AI.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openRepository opens the pattern store and makes sure the language primitives are present.
func openRepository(ctx context.Context, cfg *config.RunConfig, embedder knowledge.Embedder) (*patterns.SQLiteRepository, error) {
	repo, err := patterns.NewSQLiteRepository(patterns.Options{
		Driver:   cfg.Repository.Driver,
		Path:     cfg.Repository.Path,
		Embedder: embedder,
		Logger:   logger.Named("patterns"),
	})
	if err != nil {
		return nil, err
	}
	if err := repo.Seed(ctx, heuristic.LanguagePrimitives()); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to seed language primitives: %w", err)
	}
	return repo, nil
}

// onlyChanged keeps the units whose file appears in changed. Both sides are compared as absolute paths.
func onlyChanged(units []extractor.SourceUnit, changed []git.ChangedFile) []extractor.SourceUnit {
	keep := make(map[string]bool, len(changed))
	for _, c := range changed {
		if abs, err := filepath.Abs(c.Path); err == nil {
			keep[abs] = true
		}
	}
	var out []extractor.SourceUnit
	for _, u := range units {
		if abs, err := filepath.Abs(u.Path); err == nil && keep[abs] {
			out = append(out, u)
		}
	}
	return out
}

var (
	analyzeWorkers int
	analyzeOut     string
	analyzeFormat  string
	analyzeReport  string
	analyzeNoAI    bool
	analyzeNoStore bool
	analyzeSince   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [paths...]",
	Short: "Analyze source files and emit one specification per file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		units, err := crawler.NewCrawler(cfg.Extensions(), logger.Named("crawler")).Collect(args)
		if err != nil {
			return fmt.Errorf("failed to scan %v: %w", args, err)
		}
		if analyzeSince != "" {
			changed, err := git.ChangedFiles(ctx, ".", analyzeSince)
			if err != nil {
				return err
			}
			units = onlyChanged(units, changed)
		}
		if len(units) == 0 {
			fmt.Println("No supported source files found.")
			return nil
		}
		fmt.Printf("📂 Found %d source files\n", len(units))

		embedder, err := knowledge.NewEmbedder(ctx, cfg.EmbedderOptions())
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}

		deps := pipeline.Deps{
			Registry: extractor.DefaultRegistry(),
			Emitter:  emit.NewFileEmitter(cfg.Output.Dir, cfg.Output.Format),
			Logger:   logger.Named("pipeline"),
		}
		var search ai.Searcher
		if !analyzeNoStore {
			repo, err := openRepository(ctx, cfg, embedder)
			if err != nil {
				return err
			}
			defer repo.Close()
			deps.Repository = repo
			search = repo
		}

		if cfg.AI.Enabled {
			transport, err := knowledge.NewTransport(ctx, cfg.TransportOptions())
			if err != nil {
				return fmt.Errorf("failed to create AI transport: %w", err)
			}
			deps.AI, err = ai.NewEnhancer(transport, embedder, search, cfg.AIOptions(), logger.Named("ai"))
			if err != nil {
				return err
			}
		}

		fmt.Printf("🚀 Analyzing with %d workers...\n", cfg.WorkerCount())
		rep := pipeline.New(deps).Run(ctx, units, *cfg)

		if cfg.Output.Report != "" {
			if err := emit.WriteReport(cfg.Output.Report, rep); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
		}

		status := rep.Status()
		fmt.Printf("✅ %s: %d analyzed, %d failed, %d skipped, %d patterns recorded\n",
			status, len(rep.Results()), status.Failed, status.Skipped, rep.PatternsDiscovered)
		for _, f := range rep.Failures() {
			fmt.Printf("  ✗ %s [%s] %s\n", f.Path, f.Error.Kind, f.Error.Message)
		}
		if rep.Aborted {
			fmt.Printf("⚠️  Run aborted: %s\n", rep.AbortReason)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Println("⚠️  Interrupted; remaining files were skipped")
		}
		exitCode = status.ExitCode()
		return nil
	},
}
