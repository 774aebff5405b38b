package github_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/apiclient"
	"github.com/Sumatoshi-tech/releaseminer/pkg/github"
)

var bookkeeper = github.RepositoryRef{Owner: "apache", Name: "bookkeeper"}

func newClient(t *testing.T, mux *http.ServeMux) (*github.Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return github.New(apiclient.New(), srv.URL), srv
}

func TestParseRepositoryRef(t *testing.T) {
	t.Parallel()

	ref, err := github.ParseRepositoryRef("apache/zookeeper")
	require.NoError(t, err)
	assert.Equal(t, "apache/zookeeper", ref.String())

	for _, bad := range []string{"", "apache", "/x", "a/b/c"} {
		_, err := github.ParseRepositoryRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestListTags_FollowsLinkPagination(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()

	var srvURL string

	mux.HandleFunc("/repos/apache/bookkeeper/tags", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))

		if r.URL.Query().Get("page") == "2" {
			_, _ = io.WriteString(w, `[{"name":"release-4.1.0","commit":{"sha":"bbb"}}]`)

			return
		}

		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/apache/bookkeeper/tags?per_page=100&page=2>; rel="next"`, srvURL))
		_, _ = io.WriteString(w, `[{"name":"release-4.0.0","commit":{"sha":"aaa"}}]`)
	})

	client, srv := newClient(t, mux)
	srvURL = srv.URL

	tags, err := client.ListTags(context.Background(), bookkeeper)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "release-4.0.0", tags[0].GetName())
	assert.Equal(t, "bbb", tags[1].GetCommit().GetSHA())
}

func TestRepository_DefaultBranch(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/apache/bookkeeper", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"full_name":"apache/bookkeeper","default_branch":"master"}`)
	})

	client, _ := newClient(t, mux)

	meta, err := client.Repository(context.Background(), bookkeeper)
	require.NoError(t, err)
	assert.Equal(t, "master", meta.GetDefaultBranch())
}

func TestListCommits_NonArrayEndsHistory(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/apache/bookkeeper/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "master", r.URL.Query().Get("sha"))

		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = io.WriteString(w, `[{"sha":"c1","commit":{"message":"BOOKKEEPER-12: fix ledger"}}]`)
		default:
			_, _ = io.WriteString(w, `{"message":"pagination limit"}`)
		}
	})

	client, _ := newClient(t, mux)

	first, err := client.ListCommits(context.Background(), bookkeeper, "master", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "BOOKKEEPER-12: fix ledger", first[0].GetCommit().GetMessage())

	second, err := client.ListCommits(context.Background(), bookkeeper, "master", 2)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestGetCommit_Files(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/apache/bookkeeper/commits/c1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"sha":"c1","commit":{"committer":{"date":"2015-03-01T10:00:00Z"}},
			"files":[{"filename":"src/main/java/Ledger.java"},{"filename":"README.md"}]}`)
	})

	client, _ := newClient(t, mux)

	commit, err := client.GetCommit(context.Background(), bookkeeper, "c1")
	require.NoError(t, err)
	require.Len(t, commit.Files, 2)
	assert.Equal(t, "src/main/java/Ledger.java", commit.Files[0].GetFilename())
	assert.Equal(t, 2015, commit.GetCommit().GetCommitter().GetDate().Year())
}

func TestGetCommit_MergesPagedFiles(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()

	var srvURL string

	mux.HandleFunc("/repos/apache/bookkeeper/commits/c7", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "2":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/apache/bookkeeper/commits/c7?page=3>; rel="next"`, srvURL))
			_, _ = io.WriteString(w, `{"sha":"c7","files":[{"filename":"src/B.java"}]}`)
		case "3":
			_, _ = io.WriteString(w, `{"sha":"c7","files":[{"filename":"src/C.java"}]}`)
		default:
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/apache/bookkeeper/commits/c7?page=2>; rel="next"`, srvURL))
			_, _ = io.WriteString(w, `{"sha":"c7","commit":{"message":"BOOKKEEPER-9 split"},
				"files":[{"filename":"src/A.java"}]}`)
		}
	})

	client, srv := newClient(t, mux)
	srvURL = srv.URL

	commit, err := client.GetCommit(context.Background(), bookkeeper, "c7")
	require.NoError(t, err)
	require.Len(t, commit.Files, 3)
	assert.Equal(t, "src/C.java", commit.Files[2].GetFilename())
	assert.Equal(t, "BOOKKEEPER-9 split", commit.GetCommit().GetMessage())
}

func TestCommitsForPath_Query(t *testing.T) {
	t.Parallel()

	since := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/apache/bookkeeper/commits", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "release-4.1.0", q.Get("sha"))
		assert.Equal(t, "src/main/java/Ledger.java", q.Get("path"))
		assert.Equal(t, "2015-01-01T00:00:00Z", q.Get("since"))
		assert.Equal(t, "2015-06-01T00:00:00Z", q.Get("until"))

		_, _ = io.WriteString(w, `[{"sha":"c2"},{"sha":"c1"}]`)
	})

	client, _ := newClient(t, mux)

	commits, err := client.CommitsForPath(context.Background(), bookkeeper,
		"release-4.1.0", "src/main/java/Ledger.java", since, until)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "c2", commits[0].GetSHA())
}

func TestDownloadZipball(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/apache/bookkeeper/zipball/release-4.0.0", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "zip-bytes")
	})

	client, srv := newClient(t, mux)
	assert.Equal(t, srv.URL+"/repos/apache/bookkeeper/zipball/release-4.0.0",
		client.ZipballURL(bookkeeper, "release-4.0.0"))

	body, err := client.DownloadZipball(context.Background(), bookkeeper, "release-4.0.0")
	require.NoError(t, err)

	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))
}
