// Package config provides configuration loading and validation for releaseminer.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/src-d/enry/v2"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/releaseminer/pkg/smells"
)

// Sentinel validation errors.
var (
	ErrInvalidPercent     = errors.New("release percent must be within [0, 100]")
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrInvalidRate        = errors.New("requests per second must not be negative")
	ErrInvalidSize        = errors.New("invalid size")
	ErrInvalidLimit       = errors.New("archive limit must be positive")
	ErrInvalidThreshold   = errors.New("smell threshold must be positive")
	ErrInvalidLogFormat   = errors.New("log format must be text or json")
	ErrInvalidProject     = errors.New("invalid project")
	ErrInvalidExtension   = errors.New("extension must name Java sources")
	ErrInvalidBugJQL      = errors.New("bug_jql must hold exactly one project key placeholder")
)

// EnvPrefix prefixes every environment override, e.g. RELEASEMINER_GITHUB_TOKEN.
const EnvPrefix = "RELEASEMINER"

// Config holds all configuration for a mining run.
type Config struct {
	GitHub    GitHubConfig    `mapstructure:"github" yaml:"github"`
	Jira      JiraConfig      `mapstructure:"jira" yaml:"jira"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Mining    MiningConfig    `mapstructure:"mining" yaml:"mining"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Projects  []ProjectConfig `mapstructure:"projects" yaml:"projects,omitempty"`
}

// TimeoutConfig bounds each phase of an HTTP request.
type TimeoutConfig struct {
	Connect  time.Duration `mapstructure:"connect" yaml:"connect"`
	Read     time.Duration `mapstructure:"read" yaml:"read"`
	Overall  time.Duration `mapstructure:"overall" yaml:"overall"`
	Download time.Duration `mapstructure:"download" yaml:"download"`
}

// GitHubConfig holds GitHub API access settings.
type GitHubConfig struct {
	Token             string        `mapstructure:"token" yaml:"token"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	Timeouts          TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// JiraConfig holds issue tracker access settings.
type JiraConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	User              string        `mapstructure:"user" yaml:"user"`
	Token             string        `mapstructure:"token" yaml:"token"`
	BugJQL            string        `mapstructure:"bug_jql" yaml:"bug_jql"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	Timeouts          TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// FetchConfig bounds archive downloads and extraction.
type FetchConfig struct {
	SandboxDir   string  `mapstructure:"sandbox_dir" yaml:"sandbox_dir"`
	MaxEntries   int     `mapstructure:"max_entries" yaml:"max_entries"`
	MaxTotalSize string  `mapstructure:"max_total_size" yaml:"max_total_size"`
	MaxRatio     float64 `mapstructure:"max_ratio" yaml:"max_ratio"`
	Permits      int64   `mapstructure:"permits" yaml:"permits"`
}

// MaxTotalBytes parses MaxTotalSize ("2GiB", "500MB").
func (f FetchConfig) MaxTotalBytes() (int64, error) {
	return parseSize(f.MaxTotalSize)
}

// HistoryConfig tunes the commit history scan.
type HistoryConfig struct {
	MaxCommits       int    `mapstructure:"max_commits" yaml:"max_commits"`
	Extension        string `mapstructure:"extension" yaml:"extension"`
	TagDateCacheSize int    `mapstructure:"tag_date_cache_size" yaml:"tag_date_cache_size"`
}

// MiningConfig controls release selection and analysis.
type MiningConfig struct {
	ReleasePercent  float64           `mapstructure:"release_percent" yaml:"release_percent"`
	RetainHistory   bool              `mapstructure:"retain_history" yaml:"retain_history"`
	Concurrency     int               `mapstructure:"concurrency" yaml:"concurrency"`
	TouchWorkers    int               `mapstructure:"touch_workers" yaml:"touch_workers"`
	AnalyzerWorkers int               `mapstructure:"analyzer_workers" yaml:"analyzer_workers"`
	Smells          smells.Thresholds `mapstructure:"smells" yaml:"smells"`
}

// OutputConfig locates the dataset and its checkpoints.
type OutputConfig struct {
	Dir           string `mapstructure:"dir" yaml:"dir"`
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
	Resume        bool   `mapstructure:"resume" yaml:"resume"`
	Plot          bool   `mapstructure:"plot" yaml:"plot"`
}

// CacheConfig holds the persisted issue index cache settings.
type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TelemetryConfig holds tracing and metrics export settings.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers" yaml:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure" yaml:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	Environment  string  `mapstructure:"environment" yaml:"environment"`
	MetricsAddr  string  `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// ProjectConfig names one repository and its issue tracker project.
type ProjectConfig struct {
	Owner   string `mapstructure:"owner" yaml:"owner"`
	Repo    string `mapstructure:"repo" yaml:"repo"`
	JiraKey string `mapstructure:"jira_key" yaml:"jira_key"`
	Name    string `mapstructure:"name" yaml:"name"`
}

// ParseProject parses "owner/repo:KEY".
func ParseProject(s string) (ProjectConfig, error) {
	repo, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return ProjectConfig{}, fmt.Errorf("%w: %q: want owner/repo:KEY", ErrInvalidProject, s)
	}

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ProjectConfig{}, fmt.Errorf("%w: %q: want owner/repo:KEY", ErrInvalidProject, s)
	}

	return ProjectConfig{Owner: owner, Repo: name, JiraKey: key}, nil
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches ./releaseminer.yaml, ./config and
// /etc/releaseminer; a missing file there is not an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("releaseminer")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/releaseminer")
	}

	viperCfg.SetEnvPrefix(EnvPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := Validate(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Validate checks ranges and parses sizes.
func Validate(config *Config) error {
	m := config.Mining

	if m.ReleasePercent < 0 || m.ReleasePercent > maxPercent {
		return fmt.Errorf("%w: %v", ErrInvalidPercent, m.ReleasePercent)
	}

	if m.Concurrency <= 0 {
		return fmt.Errorf("%w: mining.concurrency=%d", ErrInvalidConcurrency, m.Concurrency)
	}

	if m.TouchWorkers <= 0 {
		return fmt.Errorf("%w: mining.touch_workers=%d", ErrInvalidConcurrency, m.TouchWorkers)
	}

	if m.AnalyzerWorkers <= 0 {
		return fmt.Errorf("%w: mining.analyzer_workers=%d", ErrInvalidConcurrency, m.AnalyzerWorkers)
	}

	if err := validateThresholds(m.Smells); err != nil {
		return err
	}

	if config.GitHub.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: github %v", ErrInvalidRate, config.GitHub.RequestsPerSecond)
	}

	if config.Jira.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: jira %v", ErrInvalidRate, config.Jira.RequestsPerSecond)
	}

	if err := validateFetch(config.Fetch); err != nil {
		return err
	}

	if !strings.HasPrefix(config.History.Extension, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidExtension, config.History.Extension)
	}

	if lang, _ := enry.GetLanguageByExtension("Source" + config.History.Extension); lang != javaLanguage {
		return fmt.Errorf("%w: %q is %q", ErrInvalidExtension, config.History.Extension, lang)
	}

	if jql := config.Jira.BugJQL; jql != "" && !validBugJQL(jql) {
		return fmt.Errorf("%w: %q", ErrInvalidBugJQL, jql)
	}

	switch config.Logging.Format {
	case logFormatText, logFormatJSON:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}

	for i, p := range config.Projects {
		if p.Owner == "" || p.Repo == "" || p.JiraKey == "" {
			return fmt.Errorf("%w: projects[%d] needs owner, repo and jira_key", ErrInvalidProject, i)
		}
	}

	return nil
}

// validBugJQL accepts a format with one %s verb; %% escapes are allowed.
func validBugJQL(jql string) bool {
	rest := strings.ReplaceAll(jql, "%%", "")

	return strings.Count(rest, "%s") == 1 && strings.Count(rest, "%") == 1
}

func validateFetch(f FetchConfig) error {
	if _, err := f.MaxTotalBytes(); err != nil {
		return err
	}

	if f.MaxEntries <= 0 {
		return fmt.Errorf("%w: fetch.max_entries=%d", ErrInvalidLimit, f.MaxEntries)
	}

	if f.MaxRatio <= 0 {
		return fmt.Errorf("%w: fetch.max_ratio=%v", ErrInvalidLimit, f.MaxRatio)
	}

	if f.Permits <= 0 {
		return fmt.Errorf("%w: fetch.permits=%d", ErrInvalidLimit, f.Permits)
	}

	return nil
}

func validateThresholds(t smells.Thresholds) error {
	for name, v := range map[string]int{
		"max_method_loc": t.MaxMethodLOC,
		"max_parameters": t.MaxParameters,
		"max_nesting":    t.MaxNesting,
		"max_cyclomatic": t.MaxCyclomatic,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: mining.smells.%s=%d", ErrInvalidThreshold, name, v)
		}
	}

	return nil
}

func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, s, err)
	}

	if n == 0 || n > maxSize {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidSize, s)
	}

	return int64(n), nil
}
