// Package methods extracts method declarations with structural and Halstead
// metrics from Java sources.
package methods

import "errors"

// ErrParse marks a source file that could not be read or parsed. Callers
// skip the file and continue.
var ErrParse = errors.New("parse failure")

// Metrics are the per-method measures written to the dataset.
type Metrics struct {
	// LOC counts non-blank lines of the declaration.
	LOC        int
	Statements int
	Cyclomatic int
	MaxNesting int
	Parameters int

	HalsteadVocabulary int
	HalsteadLength     int
	HalsteadVolume     float64
	HalsteadDifficulty float64
	HalsteadEffort     float64
}

// Method is one declaration found in a source file. Lines are 1-based and
// inclusive.
type Method struct {
	// Signature is the dotted type path, method name and parameter types,
	// e.g. "Ledger.Inner.read(long,List<String>)". It is stable across
	// releases as long as the declaration keeps its shape.
	Signature string
	StartLine int
	EndLine   int
	Metrics   Metrics
}

// Contains reports whether line falls within the method's range.
func (m Method) Contains(line int) bool {
	return line >= m.StartLine && line <= m.EndLine
}

// Parser turns one source file into its method list.
type Parser interface {
	Parse(path string) ([]Method, error)
}
