package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jobsift/jobsift/internal/types"
)

// recognizedEnv maps environment variable suffixes (after the JOBSIFT_
// prefix) to the viper keys they override.
var recognizedEnv = map[string]string{
	"CACHE_DIR":         "cache.dir",
	"LOG_LEVEL":         "logging.level",
	"RATE_PER_SECOND":   "scraping.rate_per_second",
	"BURST":             "scraping.burst",
	"MAX_PAGES":         "scraping.max_pages",
	"MAX_CONCURRENT":    "scraping.max_concurrent",
	"COMPRESSION_LEVEL": "scraping.compression_level",
}

// Load reads configuration from defaults, an optional file and environment
// overrides, in that order. It either returns a fully validated Settings or
// an error; no partial application.
func Load(configPath string, logger *slog.Logger) (*Settings, error) {
	cfg := DefaultSettings()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.NewClassified(types.KindConfigInvalid,
				fmt.Errorf("read config file: %w", err))
		}
	} else {
		v.SetConfigName("jobsift")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, types.NewClassified(types.KindConfigInvalid,
					fmt.Errorf("read config file: %w", err))
			}
		}
	}

	applyEnvOverrides(v, logger)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.NewClassified(types.KindConfigInvalid,
			fmt.Errorf("unmarshal config: %w", err))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the documented JOBSIFT_* variables. Unrecognized
// ones get a single debug line and are ignored.
func applyEnvOverrides(v *viper.Viper, logger *slog.Logger) {
	const prefix = "JOBSIFT_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		name, value, _ := strings.Cut(strings.TrimPrefix(kv, prefix), "=")
		key, ok := recognizedEnv[name]
		if !ok {
			if logger != nil {
				logger.Debug("ignoring unrecognized environment override", "var", prefix+name)
			}
			continue
		}
		v.Set(key, value)
	}
}

func setDefaults(v *viper.Viper, cfg *Settings) {
	v.SetDefault("scraping.seed_urls", cfg.Scraping.SeedURLs)
	v.SetDefault("scraping.rotate_seeds", cfg.Scraping.RotateSeeds)
	v.SetDefault("scraping.max_concurrent", cfg.Scraping.MaxConcurrent)
	v.SetDefault("scraping.max_pages", cfg.Scraping.MaxPages)
	v.SetDefault("scraping.rate_per_second", cfg.Scraping.RatePerSecond)
	v.SetDefault("scraping.burst", cfg.Scraping.Burst)
	v.SetDefault("scraping.incremental", cfg.Scraping.Incremental)
	v.SetDefault("scraping.forced", cfg.Scraping.Forced)
	v.SetDefault("scraping.dedup", cfg.Scraping.Dedup)
	v.SetDefault("scraping.new_ratio_floor", cfg.Scraping.NewRatioFloor)
	v.SetDefault("scraping.dedup_similarity", cfg.Scraping.DedupSimilarity)
	v.SetDefault("scraping.compression_level", cfg.Scraping.CompressionLevel)

	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.max_age_hours", cfg.Cache.MaxAgeHours)
	v.SetDefault("cache.auto_cleanup", cfg.Cache.AutoCleanup)
	v.SetDefault("cache.max_size_mb", cfg.Cache.MaxSizeMB)
	v.SetDefault("cache.rebuild_on_startup", cfg.Cache.RebuildOnStartup)
	v.SetDefault("cache.checkpoint_dir", cfg.Cache.CheckpointDir)

	v.SetDefault("performance.navigation_timeout", cfg.Performance.NavigationTimeout)
	v.SetDefault("performance.element_timeout", cfg.Performance.ElementTimeout)
	v.SetDefault("performance.retry_strategy", cfg.Performance.RetryStrategy)
	v.SetDefault("performance.pool_min_size", cfg.Performance.PoolMinSize)
	v.SetDefault("performance.pool_max_size", cfg.Performance.PoolMaxSize)
	v.SetDefault("performance.page_max_age", cfg.Performance.PageMaxAge)
	v.SetDefault("performance.page_max_uses", cfg.Performance.PageMaxUses)
	v.SetDefault("performance.cleanup_interval", cfg.Performance.CleanupInterval)

	v.SetDefault("output.dir", cfg.Output.Dir)
	v.SetDefault("output.formats", cfg.Output.Formats)
	v.SetDefault("output.max_files_per_type", cfg.Output.MaxFilesPerType)
	v.SetDefault("output.mongo_uri", cfg.Output.MongoURI)
	v.SetDefault("output.mongo_database", cfg.Output.MongoDatabase)
	v.SetDefault("output.mongo_collection", cfg.Output.MongoCollection)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.console", cfg.Logging.Console)

	v.SetDefault("browser.mode", cfg.Browser.Mode)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.viewport_width", cfg.Browser.ViewportWidth)
	v.SetDefault("browser.viewport_height", cfg.Browser.ViewportHeight)
	v.SetDefault("browser.user_agent", cfg.Browser.UserAgent)
	v.SetDefault("browser.launch_args", cfg.Browser.LaunchArgs)
	v.SetDefault("browser.user_agents", cfg.Browser.UserAgents)
}
