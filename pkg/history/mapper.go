// Package history derives per-file issue-key indexes and per-release touch
// sets from a repository's commit history.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v30/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sumatoshi-tech/releaseminer/pkg/cache"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/persist"
)

const (
	tracerName = "releaseminer/history"

	// DefaultMaxCommits caps the number of branch commits scanned per index.
	DefaultMaxCommits = 5000

	// DefaultExtension is the managed source extension.
	DefaultExtension = ".java"

	defaultTagDateCacheSize = 4096
)

// ErrNoDate is returned when a tag's commit carries no usable date.
var ErrNoDate = errors.New("tag commit has no date")

var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-[0-9]+\b`)

// Source is the slice of the GitHub API the mapper reads.
type Source interface {
	Repository(ctx context.Context, repo github.RepositoryRef) (*gogithub.Repository, error)
	ListCommits(ctx context.Context, repo github.RepositoryRef, sha string, page int) ([]*gogithub.RepositoryCommit, error)
	GetCommit(ctx context.Context, repo github.RepositoryRef, ref string) (*gogithub.RepositoryCommit, error)
	CommitsForPath(
		ctx context.Context, repo github.RepositoryRef, sha, path string, since, until time.Time,
	) ([]*gogithub.RepositoryCommit, error)
}

// IssueKeyIndex maps a repository-relative path to every issue key
// referenced by commits that touched it. Keys may repeat.
type IssueKeyIndex map[string][]string

// Options configures a Mapper.
type Options struct {
	// MaxCommits caps the commits scanned per branch. Zero means DefaultMaxCommits.
	MaxCommits int

	// Extension selects the files that receive keys. Empty means DefaultExtension.
	Extension string

	// CacheDir persists built indexes across runs. Empty disables it.
	CacheDir string

	// TagDateCacheSize bounds the tag date memo. Zero means a built-in default.
	TagDateCacheSize int

	Logger *slog.Logger
}

type indexKey struct {
	repo   github.RepositoryRef
	branch string
}

type tagKey struct {
	repo github.RepositoryRef
	tag  string
}

// Mapper is safe for concurrent use. Each repository's index and default
// branch are computed at most once per Mapper.
type Mapper struct {
	source Source
	opts   Options
	logger *slog.Logger
	codec  persist.Codec

	indexes  *cache.OnceCache[indexKey, IssueKeyIndex]
	branches *cache.OnceCache[github.RepositoryRef, string]
	tagDates *lru.Cache[tagKey, time.Time]
}

// NewMapper creates a Mapper reading from source.
func NewMapper(source Source, opts Options) (*Mapper, error) {
	if opts.MaxCommits <= 0 {
		opts.MaxCommits = DefaultMaxCommits
	}

	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}

	if opts.TagDateCacheSize <= 0 {
		opts.TagDateCacheSize = defaultTagDateCacheSize
	}

	tagDates, err := lru.New[tagKey, time.Time](opts.TagDateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create tag date cache: %w", err)
	}

	return &Mapper{
		source: source,
		opts:   opts,
		logger: observability.OrDiscard(opts.Logger),
		codec:  persist.NewLZ4Codec(persist.NewGobCodec()),
		indexes: cache.NewOnceCache[indexKey, IssueKeyIndex](func(k indexKey) string {
			return k.repo.String() + "@" + k.branch
		}),
		branches: cache.NewOnceCache[github.RepositoryRef, string](github.RepositoryRef.String),
		tagDates: tagDates,
	}, nil
}

// ExtractIssueKeys returns every issue key mentioned in message, in order.
func ExtractIssueKeys(message string) []string {
	return issueKeyPattern.FindAllString(message, -1)
}

// DefaultBranch returns the repository's default branch.
func (m *Mapper) DefaultBranch(ctx context.Context, repo github.RepositoryRef) (string, error) {
	return m.branches.Get(ctx, repo, func(ctx context.Context) (string, error) {
		meta, err := m.source.Repository(ctx, repo)
		if err != nil {
			return "", err
		}

		branch := meta.GetDefaultBranch()
		if branch == "" {
			return "", fmt.Errorf("repository %s reports no default branch", repo)
		}

		return branch, nil
	})
}

// BuildFileIssueMap returns the cumulative issue-key index of branch.
// Concurrent first callers share one computation; failures are not cached.
func (m *Mapper) BuildFileIssueMap(ctx context.Context, repo github.RepositoryRef, branch string) (IssueKeyIndex, error) {
	return m.indexes.Get(ctx, indexKey{repo: repo, branch: branch}, func(ctx context.Context) (IssueKeyIndex, error) {
		if index, ok := m.loadPersisted(ctx, repo, branch); ok {
			return index, nil
		}

		index, err := m.scan(ctx, repo, branch)
		if err != nil {
			return nil, err
		}

		m.persist(ctx, repo, branch, index)

		return index, nil
	})
}

func (m *Mapper) scan(ctx context.Context, repo github.RepositoryRef, branch string) (IssueKeyIndex, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "history.BuildFileIssueMap")
	defer span.End()

	index := IssueKeyIndex{}
	scanned, withKeys := 0, 0

	for page := 1; scanned < m.opts.MaxCommits; page++ {
		commits, err := m.source.ListCommits(ctx, repo, branch, page)
		if err != nil {
			return nil, fmt.Errorf("scan %s@%s: %w", repo, branch, err)
		}

		if len(commits) == 0 {
			break
		}

		for _, commit := range commits {
			if scanned >= m.opts.MaxCommits {
				break
			}

			scanned++

			keys := ExtractIssueKeys(commit.GetCommit().GetMessage())
			if len(keys) == 0 {
				continue
			}

			withKeys++

			detail, detailErr := m.source.GetCommit(ctx, repo, commit.GetSHA())
			if detailErr != nil {
				return nil, fmt.Errorf("scan %s@%s: %w", repo, branch, detailErr)
			}

			for _, file := range detail.Files {
				name := file.GetFilename()
				if !strings.HasSuffix(name, m.opts.Extension) {
					continue
				}

				index[name] = append(index[name], keys...)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("commits.scanned", scanned),
		attribute.Int("commits.with_keys", withKeys),
		attribute.Int("files.indexed", len(index)),
	)

	m.logger.InfoContext(ctx, "issue key index built",
		"repo", repo.String(), "branch", branch,
		"commits", scanned, "with_keys", withKeys, "files", len(index))

	return index, nil
}

func (m *Mapper) cacheBasename(repo github.RepositoryRef, branch string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", ".", "_")

	return replacer.Replace(strings.Join([]string{
		"issues", repo.Owner, repo.Name, branch,
		strconv.Itoa(m.opts.MaxCommits), strings.TrimPrefix(m.opts.Extension, "."),
	}, "-"))
}

func (m *Mapper) loadPersisted(ctx context.Context, repo github.RepositoryRef, branch string) (IssueKeyIndex, bool) {
	if m.opts.CacheDir == "" {
		return nil, false
	}

	var index IssueKeyIndex

	err := persist.LoadState(m.opts.CacheDir, m.cacheBasename(repo, branch), m.codec, &index)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			m.logger.WarnContext(ctx, "ignoring unreadable issue index cache", "repo", repo.String(), "error", err)
		}

		return nil, false
	}

	m.logger.DebugContext(ctx, "issue key index loaded from cache", "repo", repo.String(), "files", len(index))

	return index, true
}

func (m *Mapper) persist(ctx context.Context, repo github.RepositoryRef, branch string, index IssueKeyIndex) {
	if m.opts.CacheDir == "" {
		return
	}

	err := persist.SaveState(m.opts.CacheDir, m.cacheBasename(repo, branch), m.codec, index)
	if err != nil {
		m.logger.WarnContext(ctx, "could not persist issue index", "repo", repo.String(), "error", err)
	}
}

// TagDate returns the committer date of the commit tag points at.
func (m *Mapper) TagDate(ctx context.Context, repo github.RepositoryRef, tag string) (time.Time, error) {
	key := tagKey{repo: repo, tag: tag}

	if date, ok := m.tagDates.Get(key); ok {
		return date, nil
	}

	commit, err := m.source.GetCommit(ctx, repo, tag)
	if err != nil {
		return time.Time{}, fmt.Errorf("date of %s@%s: %w", repo, tag, err)
	}

	date := commitDate(commit)
	if date.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s@%s", ErrNoDate, repo, tag)
	}

	m.tagDates.Add(key, date)

	return date, nil
}

// CommitsInRange returns the SHAs of commits reachable from toTag that
// touch file with a committer date in (date(fromTag), date(toTag)], newest
// first. An empty fromTag yields no commits.
func (m *Mapper) CommitsInRange(
	ctx context.Context, repo github.RepositoryRef, file, fromTag, toTag string,
) ([]string, error) {
	if fromTag == "" {
		return nil, nil
	}

	from, err := m.TagDate(ctx, repo, fromTag)
	if err != nil {
		return nil, err
	}

	to, err := m.TagDate(ctx, repo, toTag)
	if err != nil {
		return nil, err
	}

	if !to.After(from) {
		return nil, nil
	}

	commits, err := m.source.CommitsForPath(ctx, repo, toTag, file, from, to)
	if err != nil {
		return nil, err
	}

	shas := make([]string, 0, len(commits))

	for _, commit := range commits {
		date := commitDate(commit)
		if !date.After(from) || date.After(to) {
			continue
		}

		shas = append(shas, commit.GetSHA())
	}

	return shas, nil
}

func commitDate(commit *gogithub.RepositoryCommit) time.Time {
	inner := commit.GetCommit()

	if date := inner.GetCommitter().GetDate(); !date.IsZero() {
		return date
	}

	return inner.GetAuthor().GetDate()
}
