package methods

import (
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/Sumatoshi-tech/releaseminer/pkg/javaast"
)

var decisionTypes = map[string]bool{
	"if_statement":           true,
	"for_statement":          true,
	"enhanced_for_statement": true,
	"while_statement":        true,
	"do_statement":           true,
	"catch_clause":           true,
	"ternary_expression":     true,
}

var nestingTypes = map[string]bool{
	"if_statement":                 true,
	"for_statement":                true,
	"enhanced_for_statement":       true,
	"while_statement":              true,
	"do_statement":                 true,
	"switch_statement":             true,
	"switch_expression":            true,
	"try_statement":                true,
	"try_with_resources_statement": true,
	"synchronized_statement":       true,
}

// Leaves of these types and their subtrees count as one operand.
var atomicOperands = map[string]bool{
	"string_literal":      true,
	"character_literal":   true,
	"text_block":          true,
	"integral_type":       true,
	"floating_point_type": true,
	"boolean_type":        true,
}

var ignoredTypes = map[string]bool{
	"line_comment":  true,
	"block_comment": true,
}

// Closing delimiters pair with an opener that is already counted.
var ignoredTokens = map[string]bool{
	";": true,
	",": true,
	")": true,
	"]": true,
	"}": true,
}

type measurer struct {
	tree     *javaast.Tree
	metrics  Metrics
	halstead *halsteadCounter
}

// measure computes every metric except Parameters for one declaration.
func measure(tree *javaast.Tree, decl sitter.Node) Metrics {
	m := &measurer{tree: tree, halstead: newHalsteadCounter()}
	m.metrics.Cyclomatic = 1
	m.metrics.LOC = nonBlankLines(tree.Text(decl))

	m.visit(decl, 0)
	m.halstead.counts().Apply(&m.metrics)

	return m.metrics
}

func (m *measurer) visit(n sitter.Node, depth int) {
	nodeType := n.Type()

	if ignoredTypes[nodeType] {
		return
	}

	if atomicOperands[nodeType] {
		m.halstead.operand(m.tree.CompactText(n))

		return
	}

	if n.ChildCount() == 0 {
		m.leaf(n)

		return
	}

	if isStatement(nodeType) {
		m.metrics.Statements++
	}

	if decisionTypes[nodeType] {
		m.metrics.Cyclomatic++
	}

	if nestingTypes[nodeType] {
		depth++
		m.metrics.MaxNesting = max(m.metrics.MaxNesting, depth)
	}

	var alternative sitter.Node

	if nodeType == "if_statement" {
		alternative = n.ChildByFieldName("alternative")
	}

	for idx := range n.ChildCount() {
		child := n.Child(idx)

		// An else-if chain stays at the depth of its first if.
		if !alternative.IsNull() && child.Type() == "if_statement" && child.StartByte() == alternative.StartByte() {
			m.visit(child, depth-1)

			continue
		}

		m.visit(child, depth)
	}
}

func (m *measurer) leaf(n sitter.Node) {
	token := m.tree.Text(n)

	if n.IsNamed() {
		m.halstead.operand(token)

		return
	}

	if ignoredTokens[token] {
		return
	}

	switch token {
	case "&&", "||", "case":
		m.metrics.Cyclomatic++
	}

	m.halstead.operator(token)
}

func isStatement(nodeType string) bool {
	switch nodeType {
	case "local_variable_declaration", "explicit_constructor_invocation":
		return true
	}

	return strings.HasSuffix(nodeType, "_statement")
}

func nonBlankLines(text string) int {
	count := 0

	for line := range strings.SplitSeq(text, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}

	return count
}
