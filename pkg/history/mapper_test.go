package history_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v30/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
	"github.com/Sumatoshi-tech/releaseminer/pkg/history"
)

var repo = github.RepositoryRef{Owner: "apache", Name: "bookkeeper"}

var errBoom = errors.New("boom")

type fakeCommit struct {
	sha     string
	message string
	date    time.Time
	files   []string
}

func (c fakeCommit) toGitHub(withFiles bool) *gogithub.RepositoryCommit {
	date := c.date

	rc := &gogithub.RepositoryCommit{
		SHA: gogithub.String(c.sha),
		Commit: &gogithub.Commit{
			Message:   gogithub.String(c.message),
			Committer: &gogithub.CommitAuthor{Date: &date},
		},
	}

	if withFiles {
		for _, f := range c.files {
			rc.Files = append(rc.Files, &gogithub.CommitFile{Filename: gogithub.String(f)})
		}
	}

	return rc
}

// fakeSource serves an in-memory history, newest commit first.
type fakeSource struct {
	commits  []fakeCommit
	tags     map[string]time.Time
	pageSize int
	failList bool

	listCalls   atomic.Int32
	detailCalls atomic.Int32
	repoCalls   atomic.Int32
	gate        chan struct{}

	mu        sync.Mutex
	pathQuery []string
}

func (s *fakeSource) Repository(context.Context, github.RepositoryRef) (*gogithub.Repository, error) {
	s.repoCalls.Add(1)

	return &gogithub.Repository{DefaultBranch: gogithub.String("master")}, nil
}

func (s *fakeSource) ListCommits(_ context.Context, _ github.RepositoryRef, _ string, page int) ([]*gogithub.RepositoryCommit, error) {
	s.listCalls.Add(1)

	if s.gate != nil {
		<-s.gate
	}

	if s.failList {
		return nil, errBoom
	}

	size := s.pageSize
	if size == 0 {
		size = 100
	}

	start := (page - 1) * size
	if start >= len(s.commits) {
		return nil, nil
	}

	end := min(start+size, len(s.commits))

	out := make([]*gogithub.RepositoryCommit, 0, end-start)
	for _, c := range s.commits[start:end] {
		out = append(out, c.toGitHub(false))
	}

	return out, nil
}

func (s *fakeSource) GetCommit(_ context.Context, _ github.RepositoryRef, ref string) (*gogithub.RepositoryCommit, error) {
	s.detailCalls.Add(1)

	if date, ok := s.tags[ref]; ok {
		return fakeCommit{sha: "tag-" + ref, date: date}.toGitHub(false), nil
	}

	for _, c := range s.commits {
		if c.sha == ref {
			return c.toGitHub(true), nil
		}
	}

	return nil, errBoom
}

func (s *fakeSource) CommitsForPath(
	_ context.Context, _ github.RepositoryRef, _, path string, since, until time.Time,
) ([]*gogithub.RepositoryCommit, error) {
	s.mu.Lock()
	s.pathQuery = append(s.pathQuery, path)
	s.mu.Unlock()

	var out []*gogithub.RepositoryCommit

	for _, c := range s.commits {
		if c.date.Before(since) || c.date.After(until) {
			continue
		}

		for _, f := range c.files {
			if f == path {
				out = append(out, c.toGitHub(false))

				break
			}
		}
	}

	return out, nil
}

func day(d int) time.Time {
	return time.Date(2015, time.January, d, 12, 0, 0, 0, time.UTC)
}

func newMapper(t *testing.T, source history.Source, opts history.Options) *history.Mapper {
	t.Helper()

	m, err := history.NewMapper(source, opts)
	require.NoError(t, err)

	return m
}

func TestExtractIssueKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"BOOKKEEPER-12", "ZOOKEEPER-7"},
		history.ExtractIssueKeys("BOOKKEEPER-12: fix ledger recovery (see ZOOKEEPER-7)"))
	assert.Equal(t, []string{"HDFS2-1"}, history.ExtractIssueKeys("HDFS2-1"))
	assert.Empty(t, history.ExtractIssueKeys("bookkeeper-12 lower case, A-1 single letter, XYZ-abc"))
}

func TestBuildFileIssueMap_IndexesManagedFilesOnly(t *testing.T) {
	t.Parallel()

	source := &fakeSource{commits: []fakeCommit{
		{sha: "c3", message: "BOOKKEEPER-3 tune", date: day(3), files: []string{"src/Ledger.java", "docs/x.md"}},
		{sha: "c2", message: "cleanup without key", date: day(2), files: []string{"src/Ledger.java"}},
		{sha: "c1", message: "BOOKKEEPER-1 BOOKKEEPER-2 fix", date: day(1), files: []string{"src/Ledger.java", "src/Bookie.java"}},
	}}

	index, err := newMapper(t, source, history.Options{}).BuildFileIssueMap(context.Background(), repo, "master")
	require.NoError(t, err)

	assert.Equal(t, history.IssueKeyIndex{
		"src/Ledger.java": {"BOOKKEEPER-3", "BOOKKEEPER-1", "BOOKKEEPER-2"},
		"src/Bookie.java": {"BOOKKEEPER-1", "BOOKKEEPER-2"},
	}, index)

	// Keyless commits never trigger a detail request.
	assert.Equal(t, int32(2), source.detailCalls.Load())
}

func TestBuildFileIssueMap_StopsAtScanCap(t *testing.T) {
	t.Parallel()

	commits := make([]fakeCommit, 0, 30)
	for i := range 30 {
		commits = append(commits, fakeCommit{sha: "c" + string(rune('a'+i)), message: "ZK-1", files: []string{"A.java"}})
	}

	source := &fakeSource{commits: commits, pageSize: 7}

	index, err := newMapper(t, source, history.Options{MaxCommits: 10}).BuildFileIssueMap(context.Background(), repo, "master")
	require.NoError(t, err)

	assert.Len(t, index["A.java"], 10)
	assert.Equal(t, int32(2), source.listCalls.Load())
}

func TestBuildFileIssueMap_ConcurrentCallersShareOneScan(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		commits: []fakeCommit{{sha: "c1", message: "ZK-9", files: []string{"A.java"}}},
		gate:    make(chan struct{}),
	}
	mapper := newMapper(t, source, history.Options{})

	const callers = 12

	var wg sync.WaitGroup

	results := make([]history.IssueKeyIndex, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			index, err := mapper.BuildFileIssueMap(context.Background(), repo, "master")
			assert.NoError(t, err)

			results[i] = index
		}()
	}

	close(source.gate)
	wg.Wait()

	// One page with data plus the terminating empty page.
	assert.Equal(t, int32(2), source.listCalls.Load())

	for _, index := range results {
		assert.Equal(t, []string{"ZK-9"}, index["A.java"])
	}
}

func TestBuildFileIssueMap_FailureIsNotCached(t *testing.T) {
	t.Parallel()

	source := &fakeSource{failList: true}
	mapper := newMapper(t, source, history.Options{})

	_, err := mapper.BuildFileIssueMap(context.Background(), repo, "master")
	require.ErrorIs(t, err, errBoom)

	source.failList = false

	_, err = mapper.BuildFileIssueMap(context.Background(), repo, "master")
	require.NoError(t, err)
}

func TestBuildFileIssueMap_PersistedAcrossMappers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := &fakeSource{commits: []fakeCommit{{sha: "c1", message: "ZK-5", files: []string{"A.java"}}}}

	first, err := newMapper(t, source, history.Options{CacheDir: dir}).BuildFileIssueMap(context.Background(), repo, "master")
	require.NoError(t, err)

	calls := source.listCalls.Load()

	second, err := newMapper(t, source, history.Options{CacheDir: dir}).BuildFileIssueMap(context.Background(), repo, "master")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, calls, source.listCalls.Load())
}

func TestDefaultBranch_CachedPerRepository(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	mapper := newMapper(t, source, history.Options{})

	for range 3 {
		branch, err := mapper.DefaultBranch(context.Background(), repo)
		require.NoError(t, err)
		assert.Equal(t, "master", branch)
	}

	assert.Equal(t, int32(1), source.repoCalls.Load())
}

func TestTagDate_Memoized(t *testing.T) {
	t.Parallel()

	source := &fakeSource{tags: map[string]time.Time{"v1": day(5)}}
	mapper := newMapper(t, source, history.Options{})

	for range 3 {
		date, err := mapper.TagDate(context.Background(), repo, "v1")
		require.NoError(t, err)
		assert.Equal(t, day(5), date)
	}

	assert.Equal(t, int32(1), source.detailCalls.Load())

	_, err := mapper.TagDate(context.Background(), repo, "missing")
	require.ErrorIs(t, err, errBoom)
}

func TestCommitsInRange_HalfOpenInterval(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		tags: map[string]time.Time{"v1": day(2), "v2": day(6)},
		commits: []fakeCommit{
			{sha: "c7", date: day(7), files: []string{"A.java"}},
			{sha: "c6", date: day(6), files: []string{"A.java"}},
			{sha: "c4", date: day(4), files: []string{"A.java", "B.java"}},
			{sha: "c2", date: day(2), files: []string{"A.java"}},
		},
	}
	mapper := newMapper(t, source, history.Options{})

	shas, err := mapper.CommitsInRange(context.Background(), repo, "A.java", "v1", "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c6", "c4"}, shas)

	none, err := mapper.CommitsInRange(context.Background(), repo, "A.java", "", "v2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
