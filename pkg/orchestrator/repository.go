package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/releaseminer/pkg/archive"
	"github.com/Sumatoshi-tech/releaseminer/pkg/checkpoint"
	"github.com/Sumatoshi-tech/releaseminer/pkg/dataset"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/persist"
)

// ReleaseResult summarizes one release.
type ReleaseResult struct {
	Tag      string
	Rows     int
	Files    int
	Skipped  bool
	Err      error
	Duration time.Duration
}

// Result summarizes one repository.
type Result struct {
	Project  Project
	Releases []ReleaseResult
	Rows     int
	Err      error
}

// Skipped counts releases that failed.
func (r Result) Skipped() int {
	n := 0

	for _, rel := range r.Releases {
		if rel.Skipped {
			n++
		}
	}

	return n
}

// Repository mines one project. Releases are processed strictly in order
// and the previous snapshot is owned by the Repository for its lifetime.
type Repository struct {
	project Project
	deps    Deps
	opts    Options
	logger  *slog.Logger
}

// NewRepository creates a Repository.
func NewRepository(project Project, deps Deps, opts Options) *Repository {
	logger := observability.OrDiscard(deps.Logger).With("project", project.DisplayName(), "repo", project.Repo.String())

	return &Repository{
		project: project,
		deps:    deps,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

type releaseState struct {
	prevTag  string
	snapshot dataset.Snapshot
	index    map[string][]string
	bugs     map[string]struct{}
	emitted  int
}

// Run selects the releases and folds them in date order. The returned
// error carries ErrRepository or ErrInterrupted; release failures are
// reported in Result and do not stop the run.
func (r *Repository) Run(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.Repository")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", r.project.Repo.String()),
		attribute.String("project", r.project.DisplayName()),
	)

	res := Result{Project: r.project}

	err := r.run(ctx, &res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository failed")

		res.Err = err
	}

	return res, err
}

func (r *Repository) run(ctx context.Context, res *Result) error {
	p := r.project

	tags, err := r.SelectTags(ctx)
	if err != nil {
		return r.scope(ctx, err)
	}

	branch, err := r.deps.History.DefaultBranch(ctx, p.Repo)
	if err != nil {
		return r.scope(ctx, fmt.Errorf("default branch: %w", err))
	}

	index, err := r.deps.History.BuildFileIssueMap(ctx, p.Repo, branch)
	if err != nil {
		return r.scope(ctx, fmt.Errorf("issue index: %w", err))
	}

	bugs, err := r.deps.Tracker.ResolvedBugKeys(ctx, p.JiraKey)
	if err != nil {
		return r.scope(ctx, fmt.Errorf("resolved bugs: %w", err))
	}

	state := &releaseState{snapshot: dataset.Snapshot{}, index: index, bugs: bugs}

	cp := r.checkpointManager()
	tags = r.resume(ctx, cp, tags, state)

	out, err := r.openOutput(state.prevTag != "")
	if err != nil {
		return r.scope(ctx, err)
	}

	defer func() {
		closeErr := out.Close()
		if closeErr != nil {
			r.logger.WarnContext(ctx, "closing dataset failed", "error", closeErr)
		}
	}()

	for _, tag := range tags {
		if stop := interrupted(ctx); stop != nil {
			return stop
		}

		rel := r.release(ctx, tag, state, out)
		res.Releases = append(res.Releases, rel)
		res.Rows += rel.Rows

		if rel.Err == nil {
			r.saveCheckpoint(ctx, cp, state)

			continue
		}

		if errors.Is(rel.Err, ErrInterrupted) || errors.Is(rel.Err, ErrRepository) {
			return rel.Err
		}
	}

	r.logger.InfoContext(ctx, "repository done",
		"releases", len(res.Releases), "skipped", res.Skipped(), "rows", res.Rows)

	return nil
}

// scope classifies a repository-level error.
func (r *Repository) scope(ctx context.Context, err error) error {
	if stop := interrupted(ctx); stop != nil {
		return stop
	}

	if errors.Is(err, ErrRepository) {
		return err
	}

	return fmt.Errorf("%w: %s: %w", ErrRepository, r.project, err)
}

func (r *Repository) openOutput(appendMode bool) (dataset.Writer, error) {
	if r.deps.Output != nil {
		return r.deps.Output(r.project, appendMode)
	}

	err := os.MkdirAll(r.opts.OutputDir, 0o750)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dataset.ErrWrite, err)
	}

	return dataset.OpenCSV(filepath.Join(r.opts.OutputDir, r.project.DisplayName()+".csv"), appendMode)
}

func (r *Repository) release(ctx context.Context, tag Tag, state *releaseState, out dataset.Writer) ReleaseResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.Release")
	defer span.End()

	span.SetAttributes(attribute.String("tag", tag.Name), attribute.String("prev_tag", state.prevTag))

	start := time.Now()
	rel := ReleaseResult{Tag: tag.Name}

	result, files, err := r.correlate(ctx, tag, state)
	if err == nil {
		writeErr := out.Write(result.Rows)
		if writeErr != nil {
			err = fmt.Errorf("%w: %w", ErrRepository, writeErr)
		}
	}

	rel.Duration = time.Since(start)
	rel.Files = files

	if err != nil {
		if stop := interrupted(ctx); stop != nil {
			err = stop
		} else if !errors.Is(err, ErrRepository) {
			err = fmt.Errorf("%w: %s: %w", ErrRelease, tag.Name, err)
		}

		rel.Err = err
		rel.Skipped = true

		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		r.deps.Metrics.RecordRelease(ctx, r.project.DisplayName(), 0, true)
		r.logger.WarnContext(ctx, "release skipped", "tag", tag.Name, "error", err)

		return rel
	}

	state.snapshot = result.Next
	state.prevTag = tag.Name
	state.emitted++

	rel.Rows = len(result.Rows)

	span.SetAttributes(attribute.Int("rows", rel.Rows), attribute.Int("files", files))
	r.deps.Metrics.RecordRelease(ctx, r.project.DisplayName(), rel.Rows, false)
	r.logger.InfoContext(ctx, "release processed",
		"tag", tag.Name, "files", files, "rows", rel.Rows, "duration", rel.Duration.Round(time.Millisecond))

	return rel
}

// correlate runs Fetch, StaticAnalyze, ASTMetrics, BuildTouchMap and
// Correlate for one release. Nothing is emitted here.
func (r *Repository) correlate(ctx context.Context, tag Tag, state *releaseState) (dataset.Result, int, error) {
	p := r.project

	root, err := r.deps.Fetcher.Fetch(ctx, p.Repo, tag.Name, p.Repo.Name+"-"+tag.Name)
	if err != nil {
		return dataset.Result{}, 0, fmt.Errorf("fetch: %w", err)
	}

	defer func() {
		releaseErr := r.deps.Sandbox.Release(root)
		if releaseErr != nil {
			r.logger.WarnContext(ctx, "release tree not removed", "path", root, "error", releaseErr)
		}
	}()

	src := archive.SourceRoot(root)

	violations, err := r.deps.Analyzer.Analyze(ctx, src)
	if err != nil {
		return dataset.Result{}, 0, fmt.Errorf("static analysis: %w", err)
	}

	files, err := r.parseTree(ctx, src)
	if err != nil {
		return dataset.Result{}, 0, err
	}

	touches, err := r.touchMap(ctx, files, state.prevTag, tag.Name)
	if err != nil {
		return dataset.Result{}, len(files), fmt.Errorf("touch map: %w", err)
	}

	result := dataset.Correlate(dataset.Input{
		Project:       p.DisplayName(),
		Release:       tag.Name,
		Files:         files,
		Violations:    violations,
		Touches:       touches,
		IssueIndex:    state.index,
		BugKeys:       state.bugs,
		Previous:      state.snapshot,
		RetainHistory: r.opts.RetainHistory,
	})

	return result, len(files), nil
}

// vendorRoots are top-level directories holding third-party copies.
// Nested directories with these names are project packages.
var vendorRoots = map[string]bool{
	"vendor":       true,
	"third_party":  true,
	"node_modules": true,
}

// parseTree parses every source file under src outside the vendor roots.
// Files that fail to parse are skipped.
func (r *Repository) parseTree(ctx context.Context, src string) ([]dataset.FileMethods, error) {
	var files []dataset.FileMethods

	parseFailures := 0

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if vendorRoots[rel] {
				return filepath.SkipDir
			}

			return nil
		}

		if !strings.HasSuffix(rel, r.opts.Extension) {
			return nil
		}

		found, parseErr := r.deps.Parser.Parse(path)
		if parseErr != nil {
			parseFailures++

			r.logger.DebugContext(ctx, "source file skipped", "file", rel, "error", parseErr)

			return nil
		}

		files = append(files, dataset.FileMethods{Path: rel, Methods: found})

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk source tree: %w", walkErr)
	}

	if parseFailures > 0 {
		r.logger.InfoContext(ctx, "some source files could not be parsed", "skipped", parseFailures, "parsed", len(files))
	}

	return files, nil
}

// touchMap collects the commits in (prevTag, tag] per file. The first
// release has no previous tag and yields an empty map.
func (r *Repository) touchMap(ctx context.Context, files []dataset.FileMethods, prevTag, tag string) (map[string][]string, error) {
	touches := make(map[string][]string)

	if prevTag == "" {
		return touches, nil
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.TouchWorkers)

	for _, file := range files {
		g.Go(func() error {
			shas, err := r.deps.History.CommitsInRange(gctx, r.project.Repo, file.Path, prevTag, tag)
			if err != nil {
				return fmt.Errorf("%s: %w", file.Path, err)
			}

			if len(shas) == 0 {
				return nil
			}

			mu.Lock()
			touches[file.Path] = shas
			mu.Unlock()

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	return touches, nil
}

func (r *Repository) checkpointManager() *checkpoint.Manager {
	if r.opts.CheckpointDir == "" {
		return nil
	}

	return checkpoint.NewManager(r.opts.CheckpointDir, checkpoint.RepoHash(r.project.String()))
}

// resume restores the snapshot and drops already processed tags. Without
// Resume any stale checkpoint is cleared.
func (r *Repository) resume(ctx context.Context, cp *checkpoint.Manager, tags []Tag, state *releaseState) []Tag {
	if cp == nil {
		return tags
	}

	if !r.opts.Resume {
		clearErr := cp.Clear()
		if clearErr != nil {
			r.logger.WarnContext(ctx, "could not clear checkpoint", "error", clearErr)
		}

		return tags
	}

	saved, err := cp.Load(r.project.Repo.String(), r.project.JiraKey)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			r.logger.WarnContext(ctx, "ignoring unusable checkpoint", "error", err)
		}

		return tags
	}

	for i, tag := range tags {
		if tag.Name == saved.LastTag {
			state.prevTag = saved.LastTag
			state.snapshot = saved.Snapshot()
			state.emitted = saved.Releases

			r.logger.InfoContext(ctx, "resuming after checkpoint",
				"last_tag", saved.LastTag, "remaining", len(tags)-i-1)

			return tags[i+1:]
		}
	}

	r.logger.WarnContext(ctx, "checkpoint tag not among selected releases, starting over", "last_tag", saved.LastTag)

	return tags
}

func (r *Repository) saveCheckpoint(ctx context.Context, cp *checkpoint.Manager, state *releaseState) {
	if cp == nil {
		return
	}

	err := cp.Save(checkpoint.NewState(state.prevTag, state.emitted, state.snapshot),
		r.project.Repo.String(), r.project.JiraKey)
	if err != nil {
		r.logger.WarnContext(ctx, "checkpoint not saved", "tag", state.prevTag, "error", err)
	}
}
