package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobsift/jobsift/internal/cache"
	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/obs"
	"github.com/jobsift/jobsift/internal/types"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitIOUnavailable = 3
	exitCancelled     = 4
	exitAllTripped    = 5
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jobsift",
		Short: "Fault-tolerant job-listing ingestion",
		Long: `jobsift crawls job boards into a compressed, searchable local cache.

Features:
  • Concurrent fetching with adaptive per-host rate limiting
  • Retry with exponential backoff and per-host circuit breakers
  • Selector fallback extraction that learns which locators work
  • Incremental collection with a durable checkpoint
  • Four-level deduplication
  • Gzip-compressed cache with inverted-index search`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(dedupeCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failure class onto the documented exit codes.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch types.KindOf(err) {
	case types.KindConfigInvalid:
		return exitConfigInvalid
	case types.KindIOUnavailable, types.KindCorruptBlob:
		return exitIOUnavailable
	case types.KindCancelled:
		return exitCancelled
	default:
		return 1
	}
}

// loadConfig reads settings and applies the global flags.
func loadConfig() (*config.Settings, error) {
	cfg, err := config.Load(cfgFile, obs.Discard().Logger)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Console = true
	}
	return cfg, nil
}

// buildEngine creates the logger and engine from final settings. Flag
// overrides must be applied to cfg before this point.
func buildEngine(cfg *config.Settings) (*obs.Logger, *engine.Engine, error) {
	logger, err := obs.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(cfg, logger, obs.NewMetrics())
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return logger, eng, nil
}

// setup is the common path for subcommands with no config overrides.
func setup() (*config.Settings, *obs.Logger, *engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, eng, err := buildEngine(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, eng, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func crawlCmd() *cobra.Command {
	var (
		seeds   []string
		formats []string
		forced  bool
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured job boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(seeds) > 0 {
				cfg.Scraping.SeedURLs = seeds
			}
			if len(formats) > 0 {
				cfg.Output.Formats = formats
			}
			if forced {
				cfg.Scraping.Forced = true
			}
			if mode != "" {
				cfg.Browser.Mode = mode
			}

			logger, eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, cancel := signalContext()
			defer cancel()

			report, err := eng.Crawl(ctx)
			if err != nil {
				return err
			}

			printReport(cmd, report)
			if allSeedsTripped(report) {
				return newExitError(exitAllTripped,
					fmt.Errorf("circuit tripped for every seed before any page was stored"))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seeds", nil, "seed URLs (override config)")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "output formats: json, csv, text")
	cmd.Flags().BoolVar(&forced, "force", false, "ignore the incremental early-stop signal")
	cmd.Flags().StringVar(&mode, "mode", "", "fetch mode: browser or http")
	return cmd
}

// allSeedsTripped reports the exit-5 condition: nothing stored and every
// seed's host circuit tripped.
func allSeedsTripped(r *types.RunReport) bool {
	if r.PagesStored > 0 || len(r.TrippedHosts) == 0 {
		return false
	}
	tripped := make(map[string]bool, len(r.TrippedHosts))
	for _, h := range r.TrippedHosts {
		tripped[h] = true
	}
	for _, seed := range r.Seeds {
		if !tripped[hostOf(seed)] {
			return false
		}
	}
	return true
}

func printReport(cmd *cobra.Command, r *types.RunReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s finished in %s\n", r.TraceID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  pages: %d tried, %d stored\n", r.PagesTried, r.PagesStored)
	fmt.Fprintf(out, "  jobs:  %d new, %d known, %d changed, %d duplicates, %d rejected\n",
		r.JobsNew, r.JobsKnown, r.JobsChanged, r.Duplicates, r.JobsRejected)
	fmt.Fprintf(out, "  health: %.0f/100\n", r.HealthScore)
	if len(r.TrippedHosts) > 0 {
		fmt.Fprintf(out, "  circuit_tripped: %s\n", strings.Join(r.TrippedHosts, ", "))
	}
	for _, e := range r.TopErrors {
		fmt.Fprintf(out, "  error %s ×%d: %s\n", e.Kind, e.Count, e.Sample)
	}
	for _, p := range r.OutputPaths {
		fmt.Fprintf(out, "  wrote %s\n", p)
	}
}

func searchCmd() *cobra.Command {
	var (
		companies []string
		techs     []string
		locations []string
		levels    []string
		minJobs   int
		since     string
		until     string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the cache index",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, eng, err := setup()
			if err != nil {
				return err
			}
			defer logger.Close()

			criteria := cache.SearchCriteria{
				Companies:    companies,
				Technologies: techs,
				Locations:    locations,
				Levels:       levels,
				MinJobs:      minJobs,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return types.NewClassified(types.KindConfigInvalid,
						fmt.Errorf("invalid --since: %w", err))
				}
				criteria.DateFrom = t
			}
			if until != "" {
				t, err := time.Parse("2006-01-02", until)
				if err != nil {
					return types.NewClassified(types.KindConfigInvalid,
						fmt.Errorf("invalid --until: %w", err))
				}
				criteria.DateTo = t
			}

			entries := eng.Search(criteria)
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %s  %d jobs  %s\n",
					e.CacheKey, e.CapturedAt.Format("2006-01-02 15:04"), e.JobCount, e.SourceURL)
			}
			fmt.Fprintf(out, "%d blob(s) matched\n", len(entries))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&companies, "company", nil, "filter by company (repeatable, OR)")
	cmd.Flags().StringSliceVar(&techs, "tech", nil, "filter by technology (repeatable, OR)")
	cmd.Flags().StringSliceVar(&locations, "location", nil, "filter by location (repeatable, OR)")
	cmd.Flags().StringSliceVar(&levels, "level", nil, "filter by level (repeatable, OR)")
	cmd.Flags().IntVar(&minJobs, "min-jobs", 0, "minimum job count per blob")
	cmd.Flags().StringVar(&since, "since", "", "captured on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "captured on or before (YYYY-MM-DD)")
	return cmd
}

func statsCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics and top facets",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, eng, err := setup()
			if err != nil {
				return err
			}
			defer logger.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cached blobs: %d\n", eng.EntryCount())

			fmt.Fprintln(out, "top companies:")
			for _, f := range eng.TopCompanies(top) {
				fmt.Fprintf(out, "  %4d  %s\n", f.Count, f.Name)
			}
			fmt.Fprintln(out, "top technologies:")
			for _, f := range eng.TopTechnologies(top) {
				fmt.Fprintf(out, "  %4d  %s\n", f.Count, f.Name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "how many entries per facet")
	return cmd
}

func dedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe <file.json>",
		Short: "Remove duplicates from a JSON job file (keeps a .bak)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, eng, err := setup()
			if err != nil {
				return err
			}
			defer logger.Close()

			rep, err := eng.DedupeFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d total, %d unique, %d removed (backup: %s)\n",
				rep.Total, rep.Unique, rep.Duplicates, rep.BackupPath)
			for reason, n := range rep.ByReason {
				fmt.Fprintf(out, "  %s: %d\n", reason, n)
			}
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache blobs older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, eng, err := setup()
			if err != nil {
				return err
			}
			defer logger.Close()

			rep, err := eng.PruneCache(maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, removed %d, quarantined %d, reclaimed %d bytes\n",
				rep.Scanned, rep.Removed, rep.Quarantined, rep.ReclaimedBytes)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 720*time.Hour, "age threshold")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "jobsift", config.Version)
		},
	}
}

// exitError carries an explicit exit code through RunE.
type exitError struct {
	code int
	err  error
}

func newExitError(code int, err error) *exitError { return &exitError{code: code, err: err} }
func (e *exitError) Error() string                { return e.err.Error() }
func (e *exitError) Unwrap() error                { return e.err }

func hostOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return rawURL
}
