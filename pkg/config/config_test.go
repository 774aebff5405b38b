package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/releaseminer/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "releaseminer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.InDelta(t, config.DefaultReleasePercent, cfg.Mining.ReleasePercent, 0.001)
	assert.False(t, cfg.Mining.RetainHistory)
	assert.Equal(t, config.DefaultConcurrency, cfg.Mining.Concurrency)
	assert.Equal(t, config.DefaultMaxMethodLOC, cfg.Mining.Smells.MaxMethodLOC)
	assert.Equal(t, config.DefaultMaxCyclomatic, cfg.Mining.Smells.MaxCyclomatic)
	assert.Equal(t, config.DefaultGitHubURL, cfg.GitHub.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.GitHub.Timeouts.Connect)
	assert.Equal(t, 30*time.Minute, cfg.Jira.Timeouts.Download)
	assert.Equal(t, config.DefaultExtension, cfg.History.Extension)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.Projects)

	total, err := cfg.Fetch.MaxTotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), total)
}

func TestLoadConfig_NoFileSearched(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPermits, int(cfg.Fetch.Permits))
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
github:
  token: "ghp_test"
  requests_per_second: 0
  timeouts:
    overall: 2m
jira:
  url: "https://jira.example.org"
fetch:
  max_total_size: "500MB"
  max_entries: 100
mining:
  release_percent: 25
  retain_history: true
  smells:
    max_parameters: 3
output:
  dir: "/tmp/out"
  plot: true
projects:
  - owner: apache
    repo: zookeeper
    jira_key: ZOOKEEPER
  - owner: apache
    repo: bookkeeper
    jira_key: BOOKKEEPER
    name: bk
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.Zero(t, cfg.GitHub.RequestsPerSecond)
	assert.Equal(t, 2*time.Minute, cfg.GitHub.Timeouts.Overall)
	assert.Equal(t, 30*time.Second, cfg.GitHub.Timeouts.Read)
	assert.Equal(t, "https://jira.example.org", cfg.Jira.URL)
	assert.Equal(t, 100, cfg.Fetch.MaxEntries)
	assert.InDelta(t, 25.0, cfg.Mining.ReleasePercent, 0.001)
	assert.True(t, cfg.Mining.RetainHistory)
	assert.Equal(t, 3, cfg.Mining.Smells.MaxParameters)
	assert.Equal(t, config.DefaultMaxNesting, cfg.Mining.Smells.MaxNesting)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	assert.True(t, cfg.Output.Plot)

	total, err := cfg.Fetch.MaxTotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000), total)

	require.Len(t, cfg.Projects, 2)
	assert.Equal(t, config.ProjectConfig{Owner: "apache", Repo: "zookeeper", JiraKey: "ZOOKEEPER"}, cfg.Projects[0])
	assert.Equal(t, "bk", cfg.Projects[1].Name)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("RELEASEMINER_GITHUB_TOKEN", "from-env")
	t.Setenv("RELEASEMINER_MINING_SMELLS_MAX_NESTING", "7")
	t.Setenv("RELEASEMINER_FETCH_MAX_TOTAL_SIZE", "1GiB")

	cfg, err := config.LoadConfig(writeConfig(t, "github:\n  token: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.GitHub.Token)
	assert.Equal(t, 7, cfg.Mining.Smells.MaxNesting)

	total, err := cfg.Fetch.MaxTotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), total)
}

func TestLoadConfig_ExplicitPathNotFound(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig("/nonexistent/path/releaseminer.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, "mining:\n  concurrency: [oops\n"))
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"percent above range", "mining:\n  release_percent: 150\n", config.ErrInvalidPercent},
		{"negative percent", "mining:\n  release_percent: -1\n", config.ErrInvalidPercent},
		{"zero concurrency", "mining:\n  concurrency: 0\n", config.ErrInvalidConcurrency},
		{"negative rate", "github:\n  requests_per_second: -2\n", config.ErrInvalidRate},
		{"bad size", "fetch:\n  max_total_size: lots\n", config.ErrInvalidSize},
		{"zero size", "fetch:\n  max_total_size: 0B\n", config.ErrInvalidSize},
		{"zero ratio", "fetch:\n  max_ratio: 0\n", config.ErrInvalidLimit},
		{"zero threshold", "mining:\n  smells:\n    max_nesting: 0\n", config.ErrInvalidThreshold},
		{"log format", "logging:\n  format: xml\n", config.ErrInvalidLogFormat},
		{"extension", "history:\n  extension: java\n", config.ErrInvalidExtension},
		{"non-java extension", "history:\n  extension: .py\n", config.ErrInvalidExtension},
		{"jql without key", "jira:\n  bug_jql: \"issuetype = Bug\"\n", config.ErrInvalidBugJQL},
		{"jql with two keys", "jira:\n  bug_jql: \"project = %s OR project = %s\"\n", config.ErrInvalidBugJQL},
		{"jql with stray verb", "jira:\n  bug_jql: \"project = %s AND votes > %d\"\n", config.ErrInvalidBugJQL},
		{"project without key", "projects:\n  - owner: a\n    repo: b\n", config.ErrInvalidProject},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadConfig(writeConfig(t, tc.content))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadConfig_CustomBugJQL(t *testing.T) {
	t.Parallel()

	content := "jira:\n  bug_jql: \"project = %s AND labels = 100%%\"\n"

	cfg, err := config.LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "project = %s AND labels = 100%%", cfg.Jira.BugJQL)
}

func TestParseProject(t *testing.T) {
	t.Parallel()

	p, err := config.ParseProject("apache/zookeeper:ZOOKEEPER")
	require.NoError(t, err)
	assert.Equal(t, config.ProjectConfig{Owner: "apache", Repo: "zookeeper", JiraKey: "ZOOKEEPER"}, p)

	for _, bad := range []string{"apache/zookeeper", "zookeeper:ZK", "/x:K", "a/b/c:K", "a/b:"} {
		_, err := config.ParseProject(bad)
		require.ErrorIs(t, err, config.ErrInvalidProject, bad)
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, `
mining:
  release_percent: 40
  smells:
    max_nesting: 6
github:
  timeouts:
    read: 45s
projects:
  - owner: apache
    repo: zookeeper
    jira_key: ZOOKEEPER
`))
	require.NoError(t, err)

	var buf bytes.Buffer

	require.NoError(t, config.WriteYAML(&buf, cfg))
	assert.Contains(t, buf.String(), "max_nesting: 6")
	assert.Contains(t, buf.String(), "read: 45s")

	reloaded, err := config.LoadConfig(writeConfig(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, "github:\n  token: ghp_secret\n"))
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "<redacted>", red.GitHub.Token)
	assert.Empty(t, red.Jira.Token)
	assert.Equal(t, "ghp_secret", cfg.GitHub.Token)

	var buf bytes.Buffer

	require.NoError(t, config.WriteYAML(&buf, red))
	assert.NotContains(t, buf.String(), "ghp_secret")
}
