package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/releaseminer/pkg/apiclient"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
)

const (
	// DefaultJiraURL is the Apache Software Foundation Jira.
	DefaultJiraURL = "https://issues.apache.org/jira"

	// DefaultBugJQL selects fixed bugs. %s is replaced by the quoted project key.
	DefaultBugJQL = `project = %s AND issuetype = Bug AND status in (Resolved, Closed) AND resolution = Fixed`

	searchPageSize = 100
)

// Getter is satisfied by *apiclient.Client.
type Getter interface {
	Get(ctx context.Context, rawURL string, out any) (*apiclient.Response, error)
}

type jiraVersion struct {
	Name     string `json:"name"`
	Released bool   `json:"released"`
}

type jiraSearch struct {
	StartAt    int `json:"startAt"`
	MaxResults int `json:"maxResults"`
	Total      int `json:"total"`
	Issues     []struct {
		Key string `json:"key"`
	} `json:"issues"`
}

// JiraClient implements Tracker over the Jira REST v2 API.
type JiraClient struct {
	api     Getter
	baseURL string
	bugJQL  string
	logger  *slog.Logger
}

// NewJiraClient creates a client. Empty baseURL and bugJQL select the defaults.
func NewJiraClient(api Getter, baseURL, bugJQL string, logger *slog.Logger) *JiraClient {
	if baseURL == "" {
		baseURL = DefaultJiraURL
	}

	if bugJQL == "" {
		bugJQL = DefaultBugJQL
	}

	return &JiraClient{
		api:     api,
		baseURL: strings.TrimRight(baseURL, "/"),
		bugJQL:  bugJQL,
		logger:  observability.OrDiscard(logger),
	}
}

// NormalizedVersions implements Tracker.
func (j *JiraClient) NormalizedVersions(ctx context.Context, projectKey string) (Set, error) {
	var versions []jiraVersion

	endpoint := fmt.Sprintf("%s/rest/api/2/project/%s/versions", j.baseURL, url.PathEscape(projectKey))

	_, err := j.api.Get(ctx, endpoint, &versions)
	if err != nil {
		return nil, fmt.Errorf("jira versions of %s: %w", projectKey, err)
	}

	set := make(Set, len(versions))

	for _, v := range versions {
		if norm := NormalizeVersion(v.Name); norm != "" {
			set[norm] = struct{}{}
		}
	}

	j.logger.DebugContext(ctx, "jira versions loaded", "project", projectKey, "versions", len(set))

	return set, nil
}

// ResolvedBugKeys implements Tracker, paging through the search endpoint.
func (j *JiraClient) ResolvedBugKeys(ctx context.Context, projectKey string) (Set, error) {
	jql := fmt.Sprintf(j.bugJQL, strconv.Quote(projectKey))
	keys := Set{}

	for startAt := 0; ; {
		query := url.Values{
			"jql":        {jql},
			"fields":     {"key"},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(searchPageSize)},
		}

		var page jiraSearch

		_, err := j.api.Get(ctx, j.baseURL+"/rest/api/2/search?"+query.Encode(), &page)
		if err != nil {
			return nil, fmt.Errorf("jira bug search for %s: %w", projectKey, err)
		}

		for _, issue := range page.Issues {
			keys[issue.Key] = struct{}{}
		}

		startAt += len(page.Issues)

		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	j.logger.InfoContext(ctx, "resolved bug keys loaded", "project", projectKey, "keys", len(keys))

	return keys, nil
}
