// Package orchestrator drives the per-repository release pipeline: tag
// selection, then for each release fetch, static analysis, method metrics,
// touch map, correlation and emission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gogithub "github.com/google/go-github/v30/github"

	"github.com/Sumatoshi-tech/releaseminer/pkg/dataset"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/history"
	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/smells"
	"github.com/Sumatoshi-tech/releaseminer/pkg/tracker"
)

const tracerName = "releaseminer/orchestrator"

// Failure scopes.
var (
	// ErrRelease marks a failure confined to one release; the release is skipped.
	ErrRelease = errors.New("release failed")

	// ErrRepository marks a failure that aborts one repository.
	ErrRepository = errors.New("repository failed")

	// ErrNoCommonReleases is returned when no tag matches a tracker version.
	ErrNoCommonReleases = errors.New("no common releases between tags and tracker versions")

	// ErrNoTagDates is returned when no matching tag has a resolvable date.
	ErrNoTagDates = errors.New("no matching tag has a commit date")

	// ErrInterrupted aborts the whole run.
	ErrInterrupted = errors.New("run interrupted")
)

// Defaults.
const (
	DefaultReleasePercent = 100.0
	DefaultTouchWorkers   = 8
	DefaultExtension      = ".java"
)

// TagLister lists repository tags.
type TagLister interface {
	ListTags(ctx context.Context, repo github.RepositoryRef) ([]*gogithub.RepositoryTag, error)
}

// History is the commit-history collaborator, implemented by *history.Mapper.
type History interface {
	DefaultBranch(ctx context.Context, repo github.RepositoryRef) (string, error)
	BuildFileIssueMap(ctx context.Context, repo github.RepositoryRef, branch string) (history.IssueKeyIndex, error)
	TagDate(ctx context.Context, repo github.RepositoryRef, tag string) (time.Time, error)
	CommitsInRange(ctx context.Context, repo github.RepositoryRef, file, fromTag, toTag string) ([]string, error)
}

// Fetcher retrieves one release tree, implemented by *archive.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, repo github.RepositoryRef, ref, label string) (string, error)
}

// Releaser frees a fetched tree, implemented by *archive.Sandbox.
type Releaser interface {
	Release(path string) error
}

// OutputOpener opens the dataset writer of one project. appendMode is set
// when a resumed run continues an existing file.
type OutputOpener func(project Project, appendMode bool) (dataset.Writer, error)

// Deps are the collaborators shared by every repository of a run.
type Deps struct {
	Tags     TagLister
	History  History
	Tracker  tracker.Tracker
	Fetcher  Fetcher
	Sandbox  Releaser
	Analyzer smells.Analyzer
	Parser   methods.Parser
	Metrics  *observability.MiningMetrics
	Logger   *slog.Logger

	// Output overrides the <OutputDir>/<project>.csv writer.
	Output OutputOpener
}

// Options tune a run.
type Options struct {
	// ReleasePercent selects the earliest share of matching releases.
	// Zero selects none.
	ReleasePercent float64

	// RetainHistory carries untouched methods into the next snapshot.
	RetainHistory bool

	// OutputDir receives one <project>.csv per repository.
	OutputDir string

	// CheckpointDir enables per-release checkpoints. Empty disables them.
	CheckpointDir string

	// Resume continues after the last checkpointed release.
	Resume bool

	// Extension selects the parsed source files.
	Extension string

	// TouchWorkers bounds concurrent touch-map queries per release.
	TouchWorkers int
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	return Options{
		ReleasePercent: DefaultReleasePercent,
		OutputDir:      ".",
		Extension:      DefaultExtension,
		TouchWorkers:   DefaultTouchWorkers,
	}
}

func (o Options) withDefaults() Options {
	if o.Extension == "" {
		o.Extension = DefaultExtension
	}

	if o.TouchWorkers <= 0 {
		o.TouchWorkers = DefaultTouchWorkers
	}

	if o.OutputDir == "" {
		o.OutputDir = "."
	}

	return o
}

// Project names one repository and its tracker project.
type Project struct {
	Repo    github.RepositoryRef
	JiraKey string

	// Name is the dataset's project column and output file stem. Empty
	// means the repository name.
	Name string
}

// DisplayName returns Name or the repository name.
func (p Project) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}

	return p.Repo.Name
}

func (p Project) String() string {
	return fmt.Sprintf("%s:%s", p.Repo, p.JiraKey)
}

// interrupted wraps the context cause when ctx is done.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}
