// Package smells is a rule-based static analyzer for Java source trees. It
// reports one violation per rule hit, keyed by file and line.
package smells

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	sitter "github.com/alexaandru/go-tree-sitter-bare"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/releaseminer/pkg/javaast"
	"github.com/Sumatoshi-tech/releaseminer/pkg/methods"
	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
)

// Rule names.
const (
	RuleLongMethod        = "long_method"
	RuleLongParameterList = "long_parameter_list"
	RuleDeepNesting       = "deep_nesting"
	RuleComplexMethod     = "complex_method"
	RuleEmptyCatch        = "empty_catch_block"
	RuleMissingDefault    = "switch_without_default"
)

// Violation is one rule hit.
type Violation struct {
	// File is slash-separated and relative to the analyzed root.
	File string
	Line int
	Rule string
}

// Thresholds bound the method-level rules. A method exceeding a threshold
// is reported at its first line.
type Thresholds struct {
	MaxMethodLOC  int `mapstructure:"max_method_loc" yaml:"max_method_loc"`
	MaxParameters int `mapstructure:"max_parameters" yaml:"max_parameters"`
	MaxNesting    int `mapstructure:"max_nesting" yaml:"max_nesting"`
	MaxCyclomatic int `mapstructure:"max_cyclomatic" yaml:"max_cyclomatic"`
}

// DefaultThresholds returns the built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxMethodLOC:  60,
		MaxParameters: 5,
		MaxNesting:    4,
		MaxCyclomatic: 10,
	}
}

// Analyzer turns a source tree into its violation list.
type Analyzer interface {
	Analyze(ctx context.Context, root string) ([]Violation, error)
}

// RuleAnalyzer implements Analyzer over tree-sitter parse trees. Files that
// fail to parse are skipped.
type RuleAnalyzer struct {
	thresholds Thresholds
	extension  string
	workers    int
	logger     *slog.Logger
}

// Option configures a RuleAnalyzer.
type Option func(*RuleAnalyzer)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(a *RuleAnalyzer) { a.thresholds = t }
}

// WithWorkers bounds the number of files parsed concurrently.
func WithWorkers(n int) Option {
	return func(a *RuleAnalyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *RuleAnalyzer) { a.logger = l }
}

// NewRuleAnalyzer creates an analyzer for ".java" files.
func NewRuleAnalyzer(opts ...Option) *RuleAnalyzer {
	a := &RuleAnalyzer{
		thresholds: DefaultThresholds(),
		extension:  ".java",
		workers:    runtime.GOMAXPROCS(0),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.logger = observability.OrDiscard(a.logger)

	return a
}

// Analyze implements Analyzer. Violations are ordered by file, line and rule.
func (a *RuleAnalyzer) Analyze(ctx context.Context, root string) ([]Violation, error) {
	var files []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && strings.HasSuffix(path, a.extension) {
			files = append(files, path)
		}

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	var (
		mu         sync.Mutex
		violations []Violation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			found, err := a.analyzeFile(gctx, root, path)
			if err != nil {
				a.logger.DebugContext(gctx, "skipping unparseable file", "file", path, "error", err)

				return nil
			}

			mu.Lock()
			violations = append(violations, found...)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(violations, func(x, y Violation) int {
		return cmp.Or(cmp.Compare(x.File, y.File), cmp.Compare(x.Line, y.Line), cmp.Compare(x.Rule, y.Rule))
	})

	a.logger.DebugContext(ctx, "static analysis done", "root", root, "files", len(files), "violations", len(violations))

	return violations, nil
}

func (a *RuleAnalyzer) analyzeFile(ctx context.Context, root, path string) ([]Violation, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tree, err := javaast.Parse(ctx, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}

	return a.Check(filepath.ToSlash(rel), tree), nil
}

// Check applies every rule to one parsed file.
func (a *RuleAnalyzer) Check(file string, tree *javaast.Tree) []Violation {
	var out []Violation

	report := func(line int, rule string) {
		out = append(out, Violation{File: file, Line: line, Rule: rule})
	}

	for _, m := range methods.Collect(tree) {
		a.checkMethod(m, report)
	}

	javaast.Walk(tree.Root, func(n sitter.Node) bool {
		switch n.Type() {
		case "catch_clause":
			if body := n.ChildByFieldName("body"); !body.IsNull() && body.NamedChildCount() == 0 {
				report(javaast.StartLine(n), RuleEmptyCatch)
			}
		case "switch_expression", "switch_statement":
			if body := n.ChildByFieldName("body"); !body.IsNull() && !hasDefaultLabel(tree, body) {
				report(javaast.StartLine(n), RuleMissingDefault)
			}
		}

		return true
	})

	return out
}

func (a *RuleAnalyzer) checkMethod(m methods.Method, report func(int, string)) {
	t := a.thresholds

	if t.MaxMethodLOC > 0 && m.Metrics.LOC > t.MaxMethodLOC {
		report(m.StartLine, RuleLongMethod)
	}

	if t.MaxParameters > 0 && m.Metrics.Parameters > t.MaxParameters {
		report(m.StartLine, RuleLongParameterList)
	}

	if t.MaxNesting > 0 && m.Metrics.MaxNesting > t.MaxNesting {
		report(m.StartLine, RuleDeepNesting)
	}

	if t.MaxCyclomatic > 0 && m.Metrics.Cyclomatic > t.MaxCyclomatic {
		report(m.StartLine, RuleComplexMethod)
	}
}

func hasDefaultLabel(tree *javaast.Tree, block sitter.Node) bool {
	found := false

	javaast.Walk(block, func(n sitter.Node) bool {
		if found {
			return false
		}

		// Nested switches answer for themselves.
		if n.Type() == "switch_block" && n.StartByte() != block.StartByte() {
			return false
		}

		if n.Type() == "switch_label" && strings.HasPrefix(tree.Text(n), "default") {
			found = true
		}

		return !found
	})

	return found
}
