// Package tracker queries the issue tracker for release versions and
// resolved bug keys.
package tracker

import (
	"context"
	"maps"
	"slices"
	"strings"
	"unicode"
)

// Set is an unordered string set.
type Set map[string]struct{}

// NewSet builds a set from values.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}

	return s
}

// Has reports membership.
func (s Set) Has(v string) bool {
	_, ok := s[v]

	return ok
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Tracker is the issue-tracker collaborator.
type Tracker interface {
	// NormalizedVersions returns the project's version names passed through
	// NormalizeVersion.
	NormalizedVersions(ctx context.Context, projectKey string) (Set, error)

	// ResolvedBugKeys returns the keys of resolved bug issues.
	ResolvedBugKeys(ctx context.Context, projectKey string) (Set, error)
}

// NormalizeVersion maps a tag or version name to a comparable form:
// lower-cased, without a refs/tags/ prefix or any leading non-digit prefix
// (v, release-, project-), with underscores turned into dots. Names
// without digits normalize to "".
func NormalizeVersion(name string) string {
	v := strings.ToLower(strings.TrimSpace(name))
	v = strings.TrimPrefix(v, "refs/tags/")

	idx := strings.IndexFunc(v, unicode.IsDigit)
	if idx < 0 {
		return ""
	}

	return strings.ReplaceAll(v[idx:], "_", ".")
}
