// Package github exposes the handful of GitHub REST v3 endpoints the miner
// needs, decoded into go-github wire types and sent through the rate-limited
// API client.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v30/github"

	"github.com/Sumatoshi-tech/releaseminer/pkg/apiclient"
)

// DefaultBaseURL is the public GitHub API root.
const DefaultBaseURL = "https://api.github.com"

// PageSize is the per_page value used for every paginated listing.
const PageSize = 100

// Getter is the transport the endpoints are built on. *apiclient.Client
// satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string, out any) (*apiclient.Response, error)
	Stream(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// RepositoryRef identifies a repository.
type RepositoryRef struct {
	Owner string
	Name  string
}

// String returns owner/name.
func (r RepositoryRef) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepositoryRef parses "owner/name".
func ParseRepositoryRef(s string) (RepositoryRef, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepositoryRef{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}

	return RepositoryRef{Owner: owner, Name: name}, nil
}

// Client issues typed GitHub requests.
type Client struct {
	api     Getter
	baseURL string
}

// New creates a Client. An empty baseURL selects DefaultBaseURL.
func New(api Getter, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{api: api, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) repoURL(repo RepositoryRef, suffix string, query url.Values) string {
	u := fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL,
		url.PathEscape(repo.Owner), url.PathEscape(repo.Name), suffix)

	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

// ListTags returns every tag of repo, following Link pagination.
func (c *Client) ListTags(ctx context.Context, repo RepositoryRef) ([]*gogithub.RepositoryTag, error) {
	next := c.repoURL(repo, "/tags", url.Values{"per_page": {strconv.Itoa(PageSize)}})

	var all []*gogithub.RepositoryTag

	for next != "" {
		var page []*gogithub.RepositoryTag

		resp, err := c.api.Get(ctx, next, &page)
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", repo, err)
		}

		all = append(all, page...)

		if len(page) == 0 {
			break
		}

		next = resp.NextPageURL()
	}

	return all, nil
}

// Repository returns repository metadata.
func (c *Client) Repository(ctx context.Context, repo RepositoryRef) (*gogithub.Repository, error) {
	var meta gogithub.Repository

	_, err := c.api.Get(ctx, c.repoURL(repo, "", nil), &meta)
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", repo, err)
	}

	return &meta, nil
}

// ListCommits returns one page (1-based) of commits reachable from sha.
// A body that is not a JSON array is treated as the end of history and
// yields an empty page.
func (c *Client) ListCommits(
	ctx context.Context, repo RepositoryRef, sha string, page int,
) ([]*gogithub.RepositoryCommit, error) {
	query := url.Values{
		"sha":      {sha},
		"per_page": {strconv.Itoa(PageSize)},
		"page":     {strconv.Itoa(page)},
	}

	var raw json.RawMessage

	_, err := c.api.Get(ctx, c.repoURL(repo, "/commits", query), &raw)
	if err != nil {
		return nil, fmt.Errorf("list commits of %s@%s page %d: %w", repo, sha, page, err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil
	}

	var commits []*gogithub.RepositoryCommit

	unmarshalErr := json.Unmarshal(trimmed, &commits)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: commits page: %w", apiclient.ErrDecode, unmarshalErr)
	}

	return commits, nil
}

// GetCommit returns one commit with its changed files. Large commits
// list their files over several pages; every page is merged.
func (c *Client) GetCommit(ctx context.Context, repo RepositoryRef, ref string) (*gogithub.RepositoryCommit, error) {
	var commit gogithub.RepositoryCommit

	resp, err := c.api.Get(ctx, c.repoURL(repo, "/commits/"+url.PathEscape(ref), nil), &commit)
	if err != nil {
		return nil, fmt.Errorf("get commit %s@%s: %w", repo, ref, err)
	}

	for next := resp.NextPageURL(); next != ""; {
		var page gogithub.RepositoryCommit

		resp, err = c.api.Get(ctx, next, &page)
		if err != nil {
			return nil, fmt.Errorf("get commit %s@%s files: %w", repo, ref, err)
		}

		if len(page.Files) == 0 {
			break
		}

		commit.Files = append(commit.Files, page.Files...)
		next = resp.NextPageURL()
	}

	return &commit, nil
}

// CommitsForPath lists commits reachable from sha that touch path, with
// committer dates in [since, until] as filtered by GitHub. Zero times are
// omitted from the query.
func (c *Client) CommitsForPath(
	ctx context.Context, repo RepositoryRef, sha, path string, since, until time.Time,
) ([]*gogithub.RepositoryCommit, error) {
	query := url.Values{
		"sha":      {sha},
		"path":     {path},
		"per_page": {strconv.Itoa(PageSize)},
	}

	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	if !until.IsZero() {
		query.Set("until", until.UTC().Format(time.RFC3339))
	}

	next := c.repoURL(repo, "/commits", query)

	var all []*gogithub.RepositoryCommit

	for next != "" {
		var page []*gogithub.RepositoryCommit

		resp, err := c.api.Get(ctx, next, &page)
		if err != nil {
			return nil, fmt.Errorf("list commits of %s for %s: %w", repo, path, err)
		}

		all = append(all, page...)

		if len(page) == 0 {
			break
		}

		next = resp.NextPageURL()
	}

	return all, nil
}

// ZipballURL returns the archive download URL for ref.
func (c *Client) ZipballURL(repo RepositoryRef, ref string) string {
	return c.repoURL(repo, "/zipball/"+url.PathEscape(ref), nil)
}

// DownloadZipball opens the archive stream for ref. The caller closes it.
func (c *Client) DownloadZipball(ctx context.Context, repo RepositoryRef, ref string) (io.ReadCloser, error) {
	body, err := c.api.Stream(ctx, c.ZipballURL(repo, ref))
	if err != nil {
		return nil, fmt.Errorf("download %s@%s: %w", repo, ref, err)
	}

	return body, nil
}
