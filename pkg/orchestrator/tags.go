package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Masterminds/semver"

	"github.com/Sumatoshi-tech/releaseminer/pkg/tracker"
)

// Tag is a release tag that matched a tracker version.
type Tag struct {
	Name       string
	Normalized string
	Date       time.Time

	// Resolved is false when the tag's date could not be determined.
	Resolved bool
}

// SelectTags intersects the repository's tags with the tracker's versions,
// orders the matches by date and keeps the earliest ReleasePercent share.
func (r *Repository) SelectTags(ctx context.Context) ([]Tag, error) {
	p := r.project

	raw, err := r.deps.Tags.ListTags(ctx, p.Repo)
	if err != nil {
		return nil, fmt.Errorf("%w: list tags of %s: %w", ErrRepository, p.Repo, err)
	}

	versions, err := r.deps.Tracker.NormalizedVersions(ctx, p.JiraKey)
	if err != nil {
		return nil, fmt.Errorf("%w: versions of %s: %w", ErrRepository, p.JiraKey, err)
	}

	seen := make(map[string]bool, len(raw))

	var matched []Tag

	for _, t := range raw {
		name := t.GetName()
		if name == "" || seen[name] {
			continue
		}

		seen[name] = true

		norm := tracker.NormalizeVersion(name)
		if norm == "" || !versions.Has(norm) {
			continue
		}

		matched = append(matched, Tag{Name: name, Normalized: norm})
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %s has %d tags, %s has %d versions",
			ErrNoCommonReleases, p.Repo, len(raw), p.JiraKey, len(versions))
	}

	resolved := 0

	for i := range matched {
		date, dateErr := r.deps.History.TagDate(ctx, p.Repo, matched[i].Name)
		if dateErr != nil {
			if stop := interrupted(ctx); stop != nil {
				return nil, stop
			}

			r.logger.WarnContext(ctx, "tag date unavailable", "tag", matched[i].Name, "error", dateErr)

			continue
		}

		matched[i].Date = date
		matched[i].Resolved = true
		resolved++
	}

	if resolved == 0 {
		return nil, fmt.Errorf("%w: %w: %d matching tags of %s", ErrRepository, ErrNoTagDates, len(matched), p.Repo)
	}

	SortTags(matched)

	selected := matched[:SelectCount(len(matched), r.opts.ReleasePercent)]

	r.logger.InfoContext(ctx, "releases selected",
		"matched", len(matched), "selected", len(selected), "percent", r.opts.ReleasePercent)

	return selected, nil
}

// SelectCount returns max(1, floor(n*pct/100)) for pct > 0 and 0 otherwise,
// never more than n.
func SelectCount(n int, pct float64) int {
	if n == 0 || pct <= 0 {
		return 0
	}

	count := max(1, int(math.Floor(float64(n)*pct/100)))

	return min(count, n)
}

// SortTags orders tags by date ascending. Equal dates put semantic
// versions first in version order, then the remaining tags by name.
// Unresolved dates sort last.
func SortTags(tags []Tag) {
	slices.SortStableFunc(tags, func(a, b Tag) int {
		if a.Resolved != b.Resolved {
			if a.Resolved {
				return -1
			}

			return 1
		}

		if a.Resolved && !a.Date.Equal(b.Date) {
			return a.Date.Compare(b.Date)
		}

		return compareVersions(a, b)
	})
}

// compareVersions puts semantic versions before other tags. Versions
// compare by precedence, everything else by name.
func compareVersions(a, b Tag) int {
	va, errA := semver.NewVersion(a.Normalized)
	vb, errB := semver.NewVersion(b.Normalized)

	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}

	return cmp.Compare(a.Name, b.Name)
}
