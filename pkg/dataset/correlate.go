package dataset

import (
	"cmp"
	"path"
	"slices"

	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
	"github.com/Sumatoshi-tech/releaseminer/pkg/smells"
)

// FileMethods are the methods parsed from one source file. Path is
// slash-separated and relative to the repository root.
type FileMethods struct {
	Path    string
	Methods []methods.Method
}

// Input is everything known about one release of one project.
type Input struct {
	Project string
	Release string

	Files      []FileMethods
	Violations []smells.Violation

	// Touches maps a path to the commits that changed it since the
	// previous release. A missing path has zero touches.
	Touches map[string][]string

	// IssueIndex maps a path to every issue key its history mentions.
	IssueIndex map[string][]string
	BugKeys    map[string]struct{}

	Previous Snapshot

	// RetainHistory carries every observed record into Next instead of only
	// the emitted ones.
	RetainHistory bool
}

// Result is the outcome of Correlate.
type Result struct {
	// Rows are the emitted records ordered by path then signature.
	Rows []MethodRecord

	// Next replaces the previous snapshot for the following release.
	Next Snapshot
}

// Correlate merges one release's facts with the previous snapshot. It is a
// pure function: equal inputs give equal results.
//
// Duplicate identities keep the last occurrence. Violations are matched to
// methods by base file name, so same-named files in different directories
// share violations. Methods whose file was not touched are not emitted.
func Correlate(in Input) Result {
	smellLines := violationsByBaseName(in.Violations)

	observed := make(map[Key]MethodRecord)
	buggyByPath := make(map[string]bool)

	for _, file := range in.Files {
		buggy, ok := buggyByPath[file.Path]
		if !ok {
			buggy = intersects(in.IssueIndex[file.Path], in.BugKeys)
			buggyByPath[file.Path] = buggy
		}

		lines := smellLines[path.Base(file.Path)]
		touches := len(in.Touches[file.Path])

		for _, m := range file.Methods {
			key := Key{Project: in.Project, Path: file.Path, Signature: m.Signature}

			rec := MethodRecord{
				Key:        key,
				Release:    in.Release,
				Metrics:    m.Metrics,
				CodeSmells: countWithin(lines, m),
				Touches:    touches,
				Buggy:      buggy,
			}

			if prev, found := in.Previous[key]; found {
				rec.PrevCodeSmells = prev.CodeSmells
				rec.PrevBuggy = prev.Buggy
			}

			observed[key] = rec
		}
	}

	rows := make([]MethodRecord, 0, len(observed))

	for _, rec := range observed {
		if rec.Touches > 0 {
			rows = append(rows, rec)
		}
	}

	slices.SortFunc(rows, func(a, b MethodRecord) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Signature, b.Signature))
	})

	var next Snapshot

	if in.RetainHistory {
		next = in.Previous.Clone()

		for key, rec := range observed {
			next[key] = rec
		}
	} else {
		next = make(Snapshot, len(rows))

		for _, rec := range rows {
			next[rec.Key] = rec
		}
	}

	return Result{Rows: rows, Next: next}
}

func violationsByBaseName(violations []smells.Violation) map[string][]int {
	out := make(map[string][]int)

	for _, v := range violations {
		base := path.Base(v.File)
		out[base] = append(out[base], v.Line)
	}

	return out
}

func countWithin(lines []int, m methods.Method) int {
	n := 0

	for _, line := range lines {
		if m.Contains(line) {
			n++
		}
	}

	return n
}

func intersects(keys []string, bugs map[string]struct{}) bool {
	for _, k := range keys {
		if _, ok := bugs[k]; ok {
			return true
		}
	}

	return false
}
