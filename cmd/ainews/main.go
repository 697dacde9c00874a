package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/logging"
	"github.com/TobiSchelling/AINews/internal/pipeline"
	"github.com/TobiSchelling/AINews/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

var errRunFailed = errors.New("pipeline run failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ainews",
	Short:        "Daily personalized AI news digest",
	Long:         "ainews scrapes AI news sources, summarizes every item, ranks the digests against your profile and emails the top picks.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(logging.New(levelFor("INFO")))

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		slog.SetDefault(logging.New(levelFor(cfg.Logging.Level)))
		slog.Debug("config loaded", "path", path)
		return nil
	},
}

func levelFor(configured string) string {
	if verbose {
		return "DEBUG"
	}
	return configured
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(curateCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ainews", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/ainews/",
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
		fmt.Println("Edit it to set your profile, sources, LLM provider and email settings.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s (%s)\n\n", db.Path(), db.Driver())
		fmt.Println("Items:")
		for _, t := range database.AllSourceTypes {
			fmt.Printf("  %-10s %4d total, %4d awaiting content, %4d unavailable\n",
				t, stats.Items[t], stats.MissingContent[t], stats.Unavailable[t])
		}
		fmt.Printf("\nDigests: %d\n", stats.Digests)
		fmt.Printf("Runs: %d\n", stats.Runs)
		if last := stats.LastRun; last != nil {
			state := "success"
			if !last.Success {
				state = "failed: " + last.Error
			}
			fmt.Printf("Last run: %s (%s)\n", last.StartedAt.Local().Format("2006-01-02 15:04"), state)
		}
		return nil
	},
}

// --- stage commands ---

var (
	hours int
	topN  int
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Collect new items from the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			return printStep(p.Scrape(ctx, windowHours()))
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [source]",
	Short: "Fetch missing article bodies and video transcripts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			sources := p.Backfills()
			if len(args) == 1 {
				t, err := database.ParseSourceType(args[0])
				if err != nil {
					return err
				}
				sources = []database.SourceType{t}
			}
			for _, t := range sources {
				if err := printStep(p.Backfill(ctx, t)); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Summarize every item that has content and no digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			return printStep(p.Digest(ctx))
		})
	},
}

var curateCmd = &cobra.Command{
	Use:   "curate",
	Short: "Rank recent digests against your profile and print the top picks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			ranked, digests, err := p.Rank(ctx, windowHours())
			if len(digests) == 0 && err == nil {
				fmt.Printf("No digests in the last %d hours.\n", windowHours())
				return nil
			}
			if err != nil {
				return err
			}

			titles := make(map[database.DigestID]string, len(digests))
			for _, d := range digests {
				titles[d.ID] = d.Title
			}
			sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })

			fmt.Printf("Top %d of %d digests:\n", min(len(ranked), topCount()), len(digests))
			for _, r := range ranked[:min(len(ranked), topCount())] {
				fmt.Printf("\n%2d. %s [%.1f/10]\n", r.Rank, titles[r.DigestID], r.RelevanceScore)
				fmt.Printf("    %s\n", r.DigestID)
				if r.Reasoning != "" {
					fmt.Printf("    %s\n", r.Reasoning)
				}
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Rank recent digests and send the email",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			step, result := p.Deliver(ctx, windowHours(), topCount())
			if err := printStep(step); err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.Error)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{scrapeCmd, curateCmd, sendCmd, runCmd} {
		c.Flags().IntVar(&hours, "hours", 0, "Window in hours (default from config, 24)")
	}
	for _, c := range []*cobra.Command{curateCmd, sendCmd, runCmd} {
		c.Flags().IntVar(&topN, "top-n", 0, "Number of articles to include (default from config, 10)")
	}
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: scrape -> backfill -> digest -> rank -> email",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			var report *pipeline.Report
			if dryRun {
				report = p.DryRun(ctx, windowHours(), topCount())
			} else {
				report = p.Run(ctx, windowHours(), topCount())
			}

			for i, step := range report.Steps {
				fmt.Printf("\nStep %d/%d: %s\n", i+1, len(report.Steps), step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}

			fmt.Printf("\nRun %s finished in %s\n", report.ID, report.Duration().Round(100*time.Millisecond))
			if !report.Success {
				fmt.Printf("Failed: %s\n", report.Error)
				return errRunFailed
			}
			if !dryRun {
				fmt.Println("Digest email sent.")
			}
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show pending work without calling any external service")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := pipeline.New(cfg, db)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, p, server.Options{Hours: cfg.Run.Hours, TopN: cfg.Run.TopN}, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config, 8000)")
}

func windowHours() int {
	if hours > 0 {
		return hours
	}
	return cfg.Run.Hours
}

func topCount() int {
	if topN > 0 {
		return topN
	}
	return cfg.Run.TopN
}

func printStep(step pipeline.StepResult) error {
	if step.Err != nil {
		return fmt.Errorf("%s: %w", step.Name, step.Err)
	}
	fmt.Printf("%s: %s\n", step.Name, step.Summary)
	return nil
}

// withPipeline opens the database, wires the pipeline and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := pipeline.New(cfg, db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, p)
}

func openDB() (*database.DB, error) {
	if strings.EqualFold(cfg.Database.Driver, database.DriverPostgres) {
		return database.OpenDriver(database.DriverPostgres, cfg.DatabaseDSN())
	}
	return database.Open(cfg.DatabaseDSN())
}
