// Package dataset holds the per-method release records, the cross-release
// correlation step that labels them, and the CSV output they are written to.
package dataset

import (
	"maps"

	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
)

// Key identifies a method across releases. It carries no release id or
// line numbers.
type Key struct {
	Project   string
	Path      string
	Signature string
}

// MethodRecord is one labeled method observation.
type MethodRecord struct {
	Key

	Release        string
	Metrics        methods.Metrics
	CodeSmells     int
	Touches        int
	Buggy          bool
	PrevCodeSmells int
	PrevBuggy      bool
}

// HasCodeSmells reports whether any violation fell inside the method.
func (r MethodRecord) HasCodeSmells() bool { return r.CodeSmells > 0 }

// PrevHasCodeSmells reports the previous observation's smell flag.
func (r MethodRecord) PrevHasCodeSmells() bool { return r.PrevCodeSmells > 0 }

// Snapshot maps identities to the records carried into the next release.
type Snapshot map[Key]MethodRecord

// Clone returns a shallow copy. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	maps.Copy(out, s)

	return out
}
