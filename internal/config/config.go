package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Settings is the root configuration for jobsift.
type Settings struct {
	Scraping    ScrapingSettings    `mapstructure:"scraping"    yaml:"scraping"`
	Cache       CacheSettings       `mapstructure:"cache"       yaml:"cache"`
	Performance PerformanceSettings `mapstructure:"performance" yaml:"performance"`
	Output      OutputSettings      `mapstructure:"output"      yaml:"output"`
	Logging     LoggingSettings     `mapstructure:"logging"     yaml:"logging"`
	Browser     BrowserSettings     `mapstructure:"browser"     yaml:"browser"`
}

// ScrapingSettings controls the crawl itself.
type ScrapingSettings struct {
	SeedURLs         []string `mapstructure:"seed_urls"         yaml:"seed_urls"`
	RotateSeeds      bool     `mapstructure:"rotate_seeds"      yaml:"rotate_seeds"`
	MaxConcurrent    int      `mapstructure:"max_concurrent"    yaml:"max_concurrent"`
	MaxPages         int      `mapstructure:"max_pages"         yaml:"max_pages"`
	RatePerSecond    float64  `mapstructure:"rate_per_second"   yaml:"rate_per_second"`
	Burst            int      `mapstructure:"burst"             yaml:"burst"`
	Incremental      bool     `mapstructure:"incremental"       yaml:"incremental"`
	Forced           bool     `mapstructure:"forced"            yaml:"forced"`
	Dedup            bool     `mapstructure:"dedup"             yaml:"dedup"`
	NewRatioFloor    float64  `mapstructure:"new_ratio_floor"   yaml:"new_ratio_floor"`
	DedupSimilarity  float64  `mapstructure:"dedup_similarity"  yaml:"dedup_similarity"`
	CompressionLevel int      `mapstructure:"compression_level" yaml:"compression_level"`
}

// CacheSettings controls the compressed blob store and its index.
type CacheSettings struct {
	Dir              string `mapstructure:"dir"                yaml:"dir"`
	MaxAgeHours      int    `mapstructure:"max_age_hours"      yaml:"max_age_hours"`
	AutoCleanup      bool   `mapstructure:"auto_cleanup"       yaml:"auto_cleanup"`
	MaxSizeMB        int    `mapstructure:"max_size_mb"        yaml:"max_size_mb"`
	RebuildOnStartup bool   `mapstructure:"rebuild_on_startup" yaml:"rebuild_on_startup"`
	CheckpointDir    string `mapstructure:"checkpoint_dir"     yaml:"checkpoint_dir"`
}

// PerformanceSettings controls timeouts, retry and the page pool.
type PerformanceSettings struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout"    yaml:"element_timeout"`
	RetryStrategy     string        `mapstructure:"retry_strategy"     yaml:"retry_strategy"`
	PoolMinSize       int           `mapstructure:"pool_min_size"      yaml:"pool_min_size"`
	PoolMaxSize       int           `mapstructure:"pool_max_size"      yaml:"pool_max_size"`
	PageMaxAge        time.Duration `mapstructure:"page_max_age"       yaml:"page_max_age"`
	PageMaxUses       int           `mapstructure:"page_max_uses"      yaml:"page_max_uses"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"   yaml:"cleanup_interval"`
}

// OutputSettings controls result emission.
type OutputSettings struct {
	Dir             string   `mapstructure:"dir"                yaml:"dir"`
	Formats         []string `mapstructure:"formats"            yaml:"formats"`
	MaxFilesPerType int      `mapstructure:"max_files_per_type" yaml:"max_files_per_type"`
	MongoURI        string   `mapstructure:"mongo_uri"          yaml:"mongo_uri"`
	MongoDatabase   string   `mapstructure:"mongo_database"     yaml:"mongo_database"`
	MongoCollection string   `mapstructure:"mongo_collection"   yaml:"mongo_collection"`
}

// LoggingSettings controls the structured logger.
type LoggingSettings struct {
	Level      string `mapstructure:"level"        yaml:"level"`
	Dir        string `mapstructure:"dir"          yaml:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"  yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"  yaml:"max_backups"`
	Console    bool   `mapstructure:"console"      yaml:"console"`
}

// BrowserSettings controls the headless browser.
type BrowserSettings struct {
	Mode           string   `mapstructure:"mode"            yaml:"mode"` // "browser" or "http"
	Headless       bool     `mapstructure:"headless"        yaml:"headless"`
	ViewportWidth  int      `mapstructure:"viewport_width"  yaml:"viewport_width"`
	ViewportHeight int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent      string   `mapstructure:"user_agent"      yaml:"user_agent"`
	LaunchArgs     []string `mapstructure:"launch_args"     yaml:"launch_args"`
	UserAgents     []string `mapstructure:"user_agents"     yaml:"user_agents"`
}

// DefaultSettings returns a Settings with documented defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Scraping: ScrapingSettings{
			MaxConcurrent:    4,
			MaxPages:         20,
			RatePerSecond:    2.0,
			Burst:            4,
			Incremental:      true,
			Dedup:            true,
			NewRatioFloor:    0.30,
			DedupSimilarity:  0.85,
			CompressionLevel: 6,
		},
		Cache: CacheSettings{
			Dir:           "data/cache",
			MaxAgeHours:   24,
			MaxSizeMB:     512,
			CheckpointDir: "data/checkpoints",
		},
		Performance: PerformanceSettings{
			NavigationTimeout: 60 * time.Second,
			ElementTimeout:    3 * time.Second,
			RetryStrategy:     "standard",
			PoolMinSize:       1,
			PoolMaxSize:       4,
			PageMaxAge:        30 * time.Minute,
			PageMaxUses:       200,
			CleanupInterval:   60 * time.Second,
		},
		Output: OutputSettings{
			Dir:             "data/resultados",
			Formats:         []string{"json"},
			MaxFilesPerType: 20,
		},
		Logging: LoggingSettings{
			Level:      "info",
			Dir:        "data/logs",
			MaxSizeMB:  10,
			MaxBackups: 10,
		},
		Browser: BrowserSettings{
			Mode:           "browser",
			Headless:       true,
			ViewportWidth:  1366,
			ViewportHeight: 768,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
	}
}
