package orchestrator_test

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v30/github"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/history"
	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
	"github.com/Sumatoshi-tech/releaseminer/pkg/orchestrator"
	"github.com/Sumatoshi-tech/releaseminer/pkg/smells"
	"github.com/Sumatoshi-tech/releaseminer/pkg/tracker"
)

var zookeeper = orchestrator.Project{
	Repo:    github.RepositoryRef{Owner: "apache", Name: "zookeeper"},
	JiraKey: "ZOOKEEPER",
}

func day(d int) time.Time {
	return time.Date(2014, time.March, d, 9, 0, 0, 0, time.UTC)
}

type fakeTags struct {
	names []string
	err   error
}

func (f *fakeTags) ListTags(context.Context, github.RepositoryRef) ([]*gogithub.RepositoryTag, error) {
	if f.err != nil {
		return nil, f.err
	}

	out := make([]*gogithub.RepositoryTag, 0, len(f.names))
	for _, n := range f.names {
		out = append(out, &gogithub.RepositoryTag{Name: gogithub.String(n)})
	}

	return out, nil
}

type fakeHistory struct {
	dates    map[string]time.Time
	index    history.IssueKeyIndex
	indexErr error

	// touches maps the release tag to per-file commits since the previous one.
	touches map[string]map[string][]string

	mu      sync.Mutex
	ranges  map[string]bool
	queried map[string]bool
}

func (f *fakeHistory) DefaultBranch(context.Context, github.RepositoryRef) (string, error) {
	return "master", nil
}

func (f *fakeHistory) BuildFileIssueMap(context.Context, github.RepositoryRef, string) (history.IssueKeyIndex, error) {
	return f.index, f.indexErr
}

func (f *fakeHistory) TagDate(_ context.Context, _ github.RepositoryRef, tag string) (time.Time, error) {
	date, ok := f.dates[tag]
	if !ok {
		return time.Time{}, history.ErrNoDate
	}

	return date, nil
}

func (f *fakeHistory) CommitsInRange(_ context.Context, _ github.RepositoryRef, file, from, to string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ranges == nil {
		f.ranges = map[string]bool{}
		f.queried = map[string]bool{}
	}

	f.ranges[from+".."+to] = true
	f.queried[file] = true

	return f.touches[to][file], nil
}

type fakeTracker struct {
	versions map[string]tracker.Set
	bugs     tracker.Set
}

func (f *fakeTracker) NormalizedVersions(_ context.Context, key string) (tracker.Set, error) {
	return f.versions[key], nil
}

func (f *fakeTracker) ResolvedBugKeys(context.Context, string) (tracker.Set, error) {
	return f.bugs, nil
}

// fakeFetcher materializes an in-memory tree per tag below a single
// top-level directory, the way a zipball extracts.
type fakeFetcher struct {
	root    string
	tree    map[string]string
	fail    map[string]error
	onFetch func(tag string)

	mu    sync.Mutex
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, repo github.RepositoryRef, ref, _ string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	f.mu.Unlock()

	if f.onFetch != nil {
		f.onFetch(ref)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := f.fail[ref]; err != nil {
		return "", err
	}

	dir := filepath.Join(f.root, repo.Name, ref)
	top := filepath.Join(dir, repo.Name+"-"+ref)

	for name, body := range f.tree {
		path := filepath.Join(top, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return "", err
		}

		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return "", err
		}
	}

	return dir, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type fakeSandbox struct {
	mu       sync.Mutex
	released []string
}

func (s *fakeSandbox) Release(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = append(s.released, path)

	return os.RemoveAll(path)
}

type fakeAnalyzer struct {
	violations []smells.Violation
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, _ string) ([]smells.Violation, error) {
	return a.violations, ctx.Err()
}

// lineParser reads "Signature start end" lines.
type lineParser struct{}

func (lineParser) Parse(path string) ([]methods.Method, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", methods.ErrParse, err)
	}
	defer f.Close()

	var out []methods.Method

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m methods.Method

		if _, scanErr := fmt.Sscanf(scanner.Text(), "%s %d %d", &m.Signature, &m.StartLine, &m.EndLine); scanErr != nil {
			return nil, fmt.Errorf("%w: %w", methods.ErrParse, scanErr)
		}

		m.Metrics.LOC = m.EndLine - m.StartLine + 1
		out = append(out, m)
	}

	return out, nil
}

type fixture struct {
	tags     *fakeTags
	history  *fakeHistory
	tracker  *fakeTracker
	fetcher  *fakeFetcher
	sandbox  *fakeSandbox
	analyzer *fakeAnalyzer
	out      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return &fixture{
		tags: &fakeTags{names: []string{
			"release-1.1.0", "release-1.0.0", "release-1.3.0", "release-1.2.0", "v9.9.9", "nightly",
		}},
		history: &fakeHistory{
			dates: map[string]time.Time{
				"release-1.0.0": day(1),
				"release-1.1.0": day(2),
				"release-1.2.0": day(3),
				"release-1.3.0": day(4),
				"v9.9.9":        day(5),
			},
			index: history.IssueKeyIndex{
				"src/A.java": {"ZOOKEEPER-1"},
				"src/B.java": {"ZOOKEEPER-2"},
			},
			touches: map[string]map[string][]string{
				"release-1.1.0": {"src/A.java": {"c1", "c2"}},
				"release-1.3.0": {"src/B.java": {"c3"}},
			},
		},
		tracker: &fakeTracker{
			versions: map[string]tracker.Set{"ZOOKEEPER": tracker.NewSet("1.0.0", "1.1.0", "1.2.0", "1.3.0")},
			bugs:     tracker.NewSet("ZOOKEEPER-1"),
		},
		fetcher: &fakeFetcher{
			root: t.TempDir(),
			tree: map[string]string{
				"src/A.java":    "A.a() 1 5\nA.b() 6 9\n",
				"src/B.java":    "B.x() 1 3\n",
				"src/Bad.java":  "not a method line\n",
				"vendor/V.java": "V.v() 1 2\n",
				"README.md":     "docs\n",
			},
		},
		sandbox:  &fakeSandbox{},
		analyzer: &fakeAnalyzer{violations: []smells.Violation{{File: "src/A.java", Line: 2, Rule: smells.RuleEmptyCatch}}},
		out:      t.TempDir(),
	}
}

func (f *fixture) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Tags:     f.tags,
		History:  f.history,
		Tracker:  f.tracker,
		Fetcher:  f.fetcher,
		Sandbox:  f.sandbox,
		Analyzer: f.analyzer,
		Parser:   lineParser{},
	}
}

func (f *fixture) options() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.OutputDir = f.out

	return opts
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rows [][]string

	for line := range strings.SplitSeq(strings.TrimSpace(string(data)), "\n") {
		rows = append(rows, strings.Split(line, ","))
	}

	return rows
}
