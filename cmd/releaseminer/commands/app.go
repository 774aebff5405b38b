package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/releaseminer/pkg/apiclient"
	"github.com/Sumatoshi-tech/releaseminer/pkg/archive"
	"github.com/Sumatoshi-tech/releaseminer/pkg/config"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/history"
	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
	"github.com/Sumatoshi-tech/releaseminer/pkg/smells"
	"github.com/Sumatoshi-tech/releaseminer/pkg/tracker"
	"github.com/Sumatoshi-tech/releaseminer/pkg/version"
)

// ErrNoProjects is returned when neither flags nor config name a project.
var ErrNoProjects = errors.New("no projects: pass --project owner/repo:KEY or list projects in the config file")

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagLogJSON  = "log-json"

	stateDirName = ".releaseminer"
	cacheDirName = "cache"
)

// commonFlags are shared by every command that talks to the APIs.
type commonFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, flagConfig, "", "Config file (default: ./releaseminer.yaml, ./config/, /etc/releaseminer)")
	cmd.Flags().StringVar(&f.logLevel, flagLogLevel, "", "Log level: debug, info, warn, error (overrides logging.level)")
	cmd.Flags().BoolVar(&f.logJSON, flagLogJSON, false, "Emit JSON logs (overrides logging.format)")
}

// load reads the configuration and applies the logging overrides.
func (f *commonFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed(flagLogLevel) {
		cfg.Logging.Level = f.logLevel
	}

	if cmd.Flags().Changed(flagLogJSON) && f.logJSON {
		cfg.Logging.Format = "json"
	}

	return cfg, nil
}

// observabilityConfig maps the config file sections onto observability.Config.
func observabilityConfig(cfg *config.Config, mode observability.AppMode, logOutput io.Writer) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceVersion = version.Version
	obs.Environment = cfg.Telemetry.Environment
	obs.Mode = mode
	obs.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obs.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obs.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obs.SampleRatio = cfg.Telemetry.SampleRatio
	obs.Prometheus = cfg.Telemetry.MetricsAddr != ""
	obs.LogLevel = observability.ParseLogLevel(cfg.Logging.Level)
	obs.LogJSON = cfg.Logging.Format == "json"
	obs.LogOutput = logOutput

	return obs
}

// app holds the collaborators built from one configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.MiningMetrics

	github   *github.Client
	mapper   *history.Mapper
	jira     *tracker.JiraClient
	sandbox  *archive.Sandbox
	fetcher  *archive.Fetcher
	analyzer *smells.RuleAnalyzer
	parser   *methods.JavaParser
}

func newApp(cfg *config.Config, logger *slog.Logger, metrics *observability.MiningMetrics) (*app, error) {
	ghAPI := apiclient.New(
		apiclient.WithBearerToken(cfg.GitHub.Token),
		apiclient.WithHeader("Accept", "application/vnd.github.v3+json"),
		apiclient.WithRateLimit(cfg.GitHub.RequestsPerSecond, cfg.GitHub.Burst),
		apiclient.WithTimeouts(timeouts(cfg.GitHub.Timeouts)),
		apiclient.WithLogger(logger),
		apiclient.WithMetrics(metrics),
	)

	jiraOpts := []apiclient.Option{
		apiclient.WithRateLimit(cfg.Jira.RequestsPerSecond, cfg.Jira.Burst),
		apiclient.WithTimeouts(timeouts(cfg.Jira.Timeouts)),
		apiclient.WithLogger(logger),
		apiclient.WithMetrics(metrics),
	}

	switch {
	case cfg.Jira.User != "":
		jiraOpts = append(jiraOpts, apiclient.WithBasicAuth(cfg.Jira.User, cfg.Jira.Token))
	case cfg.Jira.Token != "":
		jiraOpts = append(jiraOpts, apiclient.WithBearerToken(cfg.Jira.Token))
	}

	gh := github.New(ghAPI, cfg.GitHub.BaseURL)

	mapper, err := history.NewMapper(gh, history.Options{
		MaxCommits:       cfg.History.MaxCommits,
		Extension:        cfg.History.Extension,
		CacheDir:         cacheDir(cfg.Cache),
		TagDateCacheSize: cfg.History.TagDateCacheSize,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	maxBytes, err := cfg.Fetch.MaxTotalBytes()
	if err != nil {
		return nil, err
	}

	sandbox := archive.NewSandbox(cfg.Fetch.SandboxDir)

	fetcher := archive.NewFetcher(gh, sandbox,
		archive.WithLimits(archive.Limits{
			MaxEntries:    cfg.Fetch.MaxEntries,
			MaxTotalBytes: maxBytes,
			MaxRatio:      cfg.Fetch.MaxRatio,
		}),
		archive.WithPermits(cfg.Fetch.Permits),
		archive.WithLogger(logger),
		archive.WithMetrics(metrics),
	)

	logger.Debug("runtime ready",
		"github", cfg.GitHub.BaseURL, "jira", cfg.Jira.URL,
		"max_archive", humanize.IBytes(uint64(maxBytes)), "permits", cfg.Fetch.Permits)

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		github:  gh,
		mapper:  mapper,
		jira:    tracker.NewJiraClient(apiclient.New(jiraOpts...), cfg.Jira.URL, cfg.Jira.BugJQL, logger),
		sandbox: sandbox,
		fetcher: fetcher,
		analyzer: smells.NewRuleAnalyzer(
			smells.WithThresholds(cfg.Mining.Smells),
			smells.WithWorkers(cfg.Mining.AnalyzerWorkers),
			smells.WithLogger(logger),
		),
		parser: methods.NewJavaParser(),
	}, nil
}

func (rt *app) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Tags:     rt.github,
		History:  rt.mapper,
		Tracker:  rt.jira,
		Fetcher:  rt.fetcher,
		Sandbox:  rt.sandbox,
		Analyzer: rt.analyzer,
		Parser:   rt.parser,
		Metrics:  rt.metrics,
		Logger:   rt.logger,
	}
}

func (rt *app) options() orchestrator.Options {
	return orchestrator.Options{
		ReleasePercent: rt.cfg.Mining.ReleasePercent,
		RetainHistory:  rt.cfg.Mining.RetainHistory,
		OutputDir:      rt.cfg.Output.Dir,
		CheckpointDir:  rt.cfg.Output.CheckpointDir,
		Resume:         rt.cfg.Output.Resume,
		Extension:      rt.cfg.History.Extension,
		TouchWorkers:   rt.cfg.Mining.TouchWorkers,
	}
}

// cleanup removes every fetched tree. Paths that could not be removed are
// logged, never fatal.
func (rt *app) cleanup(ctx context.Context) {
	for _, path := range rt.sandbox.Cleanup() {
		rt.logger.WarnContext(ctx, "sandbox directory not removed", "path", path)
	}
}

func timeouts(t config.TimeoutConfig) apiclient.Timeouts {
	return apiclient.Timeouts{
		Connect:  t.Connect,
		Read:     t.Read,
		Overall:  t.Overall,
		Download: t.Download,
	}
}

// cacheDir resolves the issue index cache directory. Empty disables it.
func cacheDir(c config.CacheConfig) string {
	if !c.Enabled {
		return ""
	}

	if c.Directory != "" {
		return c.Directory
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, stateDirName, cacheDirName)
}

// resolveProjects prefers --project flags over the config file's list.
func resolveProjects(flags []string, fromConfig []config.ProjectConfig) ([]orchestrator.Project, error) {
	specs := fromConfig

	if len(flags) > 0 {
		specs = make([]config.ProjectConfig, 0, len(flags))

		for _, raw := range flags {
			p, err := config.ParseProject(raw)
			if err != nil {
				return nil, err
			}

			specs = append(specs, p)
		}
	}

	if len(specs) == 0 {
		return nil, ErrNoProjects
	}

	projects := make([]orchestrator.Project, 0, len(specs))
	for _, p := range specs {
		projects = append(projects, orchestrator.Project{
			Repo:    github.RepositoryRef{Owner: p.Owner, Name: p.Repo},
			JiraKey: p.JiraKey,
			Name:    p.Name,
		})
	}

	return projects, nil
}

func initObservability(cfg *config.Config, mode observability.AppMode, logOutput io.Writer) (observability.Providers, error) {
	providers, err := observability.Init(observabilityConfig(cfg, mode, logOutput))
	if err != nil {
		return observability.Providers{}, fmt.Errorf("init observability: %w", err)
	}

	return providers, nil
}
