package config

import (
	"math"

	"github.com/spf13/viper"
)

// Mining defaults.
const (
	DefaultReleasePercent  = 100.0
	DefaultConcurrency     = 2
	DefaultTouchWorkers    = 8
	DefaultAnalyzerWorkers = 4
)

// Smell threshold defaults.
const (
	DefaultMaxMethodLOC  = 60
	DefaultMaxParameters = 5
	DefaultMaxNesting    = 4
	DefaultMaxCyclomatic = 10
)

// Fetch defaults.
const (
	DefaultMaxEntries   = 20_000
	DefaultMaxTotalSize = "2GiB"
	DefaultMaxRatio     = 200.0
	DefaultPermits      = 5000
)

// History defaults.
const (
	DefaultMaxCommits       = 5000
	DefaultExtension        = ".java"
	DefaultTagDateCacheSize = 4096
)

// Endpoint defaults.
const (
	DefaultGitHubURL = "https://api.github.com"
	DefaultJiraURL   = "https://issues.apache.org/jira"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"

	maxPercent = 100

	javaLanguage = "Java"
	maxSize      = math.MaxInt64
)

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("github.token", "")
	viperCfg.SetDefault("github.base_url", DefaultGitHubURL)
	viperCfg.SetDefault("github.requests_per_second", 1.0)
	viperCfg.SetDefault("github.burst", 1)
	setTimeoutDefaults(viperCfg, "github")

	viperCfg.SetDefault("jira.url", DefaultJiraURL)
	viperCfg.SetDefault("jira.user", "")
	viperCfg.SetDefault("jira.token", "")
	viperCfg.SetDefault("jira.bug_jql", "")
	viperCfg.SetDefault("jira.requests_per_second", 2.0)
	viperCfg.SetDefault("jira.burst", 1)
	setTimeoutDefaults(viperCfg, "jira")

	viperCfg.SetDefault("fetch.sandbox_dir", "")
	viperCfg.SetDefault("fetch.max_entries", DefaultMaxEntries)
	viperCfg.SetDefault("fetch.max_total_size", DefaultMaxTotalSize)
	viperCfg.SetDefault("fetch.max_ratio", DefaultMaxRatio)
	viperCfg.SetDefault("fetch.permits", DefaultPermits)

	viperCfg.SetDefault("history.max_commits", DefaultMaxCommits)
	viperCfg.SetDefault("history.extension", DefaultExtension)
	viperCfg.SetDefault("history.tag_date_cache_size", DefaultTagDateCacheSize)

	viperCfg.SetDefault("mining.release_percent", DefaultReleasePercent)
	viperCfg.SetDefault("mining.retain_history", false)
	viperCfg.SetDefault("mining.concurrency", DefaultConcurrency)
	viperCfg.SetDefault("mining.touch_workers", DefaultTouchWorkers)
	viperCfg.SetDefault("mining.analyzer_workers", DefaultAnalyzerWorkers)
	viperCfg.SetDefault("mining.smells.max_method_loc", DefaultMaxMethodLOC)
	viperCfg.SetDefault("mining.smells.max_parameters", DefaultMaxParameters)
	viperCfg.SetDefault("mining.smells.max_nesting", DefaultMaxNesting)
	viperCfg.SetDefault("mining.smells.max_cyclomatic", DefaultMaxCyclomatic)

	viperCfg.SetDefault("output.dir", "dataset")
	viperCfg.SetDefault("output.checkpoint_dir", "")
	viperCfg.SetDefault("output.resume", false)
	viperCfg.SetDefault("output.plot", false)

	viperCfg.SetDefault("cache.enabled", true)
	viperCfg.SetDefault("cache.directory", "")

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", logFormatText)

	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", 0.0)
	viperCfg.SetDefault("telemetry.environment", "")
	viperCfg.SetDefault("telemetry.metrics_addr", "")
}

func setTimeoutDefaults(viperCfg *viper.Viper, section string) {
	viperCfg.SetDefault(section+".timeouts.connect", "10s")
	viperCfg.SetDefault(section+".timeouts.read", "30s")
	viperCfg.SetDefault(section+".timeouts.overall", "1m")
	viperCfg.SetDefault(section+".timeouts.download", "30m")
}
