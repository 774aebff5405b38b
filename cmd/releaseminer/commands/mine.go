package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/releaseminer/pkg/checkpoint"
	"github.com/Sumatoshi-tech/releaseminer/pkg/config"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
	"github.com/Sumatoshi-tech/releaseminer/pkg/report"
)

const (
	flagOut           = "out"
	flagResume        = "resume"
	flagPlot          = "plot"
	flagMetricsAddr   = "metrics-addr"
	flagPercent       = "percent"
	flagRetainHistory = "retain-history"
	flagConcurrency   = "concurrency"
	flagCheckpointDir = "checkpoint-dir"
	flagNoColor       = "no-color"
)

// MineCommand mines the method-level dataset for one or more projects.
type MineCommand struct {
	common commonFlags

	projects      []string
	out           string
	checkpointDir string
	metricsAddr   string
	percent       float64
	concurrency   int
	resume        bool
	plot          bool
	retainHistory bool
	noColor       bool
}

// NewMineCommand creates the mine command.
func NewMineCommand() *cobra.Command {
	mc := &MineCommand{}

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine the method-level release dataset",
		Long: `Mine walks the releases shared by each repository and its issue tracker,
measures every method of every release and appends the methods touched since
the previous release to <out>/<project>.csv.`,
		Args: cobra.NoArgs,
		RunE: mc.run,
	}

	mc.common.register(cmd)

	cmd.Flags().StringArrayVarP(&mc.projects, "project", "p", nil, "Project as owner/repo:JIRAKEY (repeatable; overrides config projects)")
	cmd.Flags().StringVarP(&mc.out, flagOut, "o", "", "Output directory (overrides output.dir)")
	cmd.Flags().BoolVar(&mc.resume, flagResume, false, "Continue after the last checkpointed release")
	cmd.Flags().StringVar(&mc.checkpointDir, flagCheckpointDir, "", "Checkpoint directory (default: ~/.releaseminer/checkpoints when resuming)")
	cmd.Flags().BoolVar(&mc.plot, flagPlot, false, "Write <out>/<project>.html release charts")
	cmd.Flags().StringVar(&mc.metricsAddr, flagMetricsAddr, "", "Serve /metrics and /healthz on this address (e.g. :9090)")
	cmd.Flags().Float64Var(&mc.percent, flagPercent, 0, "Share of the earliest matching releases to mine (overrides mining.release_percent)")
	cmd.Flags().BoolVar(&mc.retainHistory, flagRetainHistory, false, "Carry untouched methods into the next release's snapshot")
	cmd.Flags().IntVar(&mc.concurrency, flagConcurrency, 0, "Repositories mined at once (overrides mining.concurrency)")
	cmd.Flags().BoolVar(&mc.noColor, flagNoColor, false, "Disable colored status output")

	return cmd
}

func (mc *MineCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := mc.common.load(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed(flagOut) {
		cfg.Output.Dir = mc.out
	}

	if cmd.Flags().Changed(flagCheckpointDir) {
		cfg.Output.CheckpointDir = mc.checkpointDir
	}

	if cmd.Flags().Changed(flagMetricsAddr) {
		cfg.Telemetry.MetricsAddr = mc.metricsAddr
	}

	if cmd.Flags().Changed(flagResume) {
		cfg.Output.Resume = mc.resume
	}

	if cmd.Flags().Changed(flagPlot) {
		cfg.Output.Plot = mc.plot
	}

	if cmd.Flags().Changed(flagPercent) {
		cfg.Mining.ReleasePercent = mc.percent
	}

	if cmd.Flags().Changed(flagRetainHistory) {
		cfg.Mining.RetainHistory = mc.retainHistory
	}

	if cmd.Flags().Changed(flagConcurrency) {
		cfg.Mining.Concurrency = mc.concurrency
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}

	if cfg.Output.Resume && cfg.Output.CheckpointDir == "" {
		cfg.Output.CheckpointDir = checkpoint.DefaultDir()
	}

	projects, err := resolveProjects(mc.projects, cfg.Projects)
	if err != nil {
		return err
	}

	if mkErr := os.MkdirAll(cfg.Output.Dir, 0o750); mkErr != nil {
		return fmt.Errorf("create output dir: %w", mkErr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := initObservability(cfg, observability.ModeMine, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background()) //nolint:contextcheck // run context may be cancelled.
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	metrics, err := observability.NewMiningMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if cfg.Telemetry.MetricsAddr != "" {
		go func() {
			serveErr := observability.ServeDiagnostics(ctx, cfg.Telemetry.MetricsAddr, observability.NewMux(providers.MetricsHandler))
			if serveErr != nil {
				providers.Logger.ErrorContext(ctx, "diagnostics server stopped", "error", serveErr)
			}
		}()
	}

	miner, err := newApp(cfg, providers.Logger, metrics)
	if err != nil {
		return err
	}

	defer miner.cleanup(ctx)

	providers.Logger.InfoContext(ctx, "mining started",
		"projects", len(projects), "out", cfg.Output.Dir, "percent", cfg.Mining.ReleasePercent,
		"resume", cfg.Output.Resume)

	results, runErr := orchestrator.NewBatch(miner.deps(), miner.options(), cfg.Mining.Concurrency).Run(ctx, projects)

	out := cmd.OutOrStdout()

	mc.printStatus(out, results)

	if err := report.Summary(out, results); err != nil {
		return err
	}

	if cfg.Output.Plot {
		if err := writeCharts(cfg.Output.Dir, results); err != nil {
			return err
		}
	}

	return runErr
}

func (mc *MineCommand) printStatus(w io.Writer, results []orchestrator.Result) {
	if mc.noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	fail := color.New(color.FgRed)

	for _, res := range results {
		name := res.Project.DisplayName()

		switch {
		case errors.Is(res.Err, orchestrator.ErrInterrupted):
			warn.Fprintf(w, "! %s interrupted after %d releases\n", name, len(res.Releases))
		case res.Err != nil:
			fail.Fprintf(w, "x %s: %v\n", name, res.Err)
		case res.Skipped() > 0:
			warn.Fprintf(w, "~ %s: %d rows, %d of %d releases skipped\n", name, res.Rows, res.Skipped(), len(res.Releases))
		default:
			ok.Fprintf(w, "+ %s: %d rows from %d releases\n", name, res.Rows, len(res.Releases))
		}
	}
}

func writeCharts(dir string, results []orchestrator.Result) error {
	for _, res := range results {
		if len(res.Releases) == 0 {
			continue
		}

		path := filepath.Join(dir, res.Project.DisplayName()+".html")

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create chart %s: %w", path, err)
		}

		writeErr := report.WriteChart(f, res)
		closeErr := f.Close()

		if err := errors.Join(writeErr, closeErr); err != nil {
			return err
		}
	}

	return nil
}
