package methods

import (
	"context"
	"fmt"
	"os"
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/Sumatoshi-tech/releaseminer/pkg/javaast"
)

// JavaParser implements Parser with the tree-sitter Java grammar. It is
// safe for concurrent use.
type JavaParser struct{}

// NewJavaParser creates a JavaParser.
func NewJavaParser() *JavaParser {
	return &JavaParser{}
}

// Parse implements Parser. Unreadable or syntactically broken files are
// reported as ErrParse.
func (p *JavaParser) Parse(path string) ([]Method, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	found, err := p.ParseSource(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return found, nil
}

// ParseSource parses an in-memory compilation unit.
func (p *JavaParser) ParseSource(content []byte) ([]Method, error) {
	tree, err := javaast.Parse(context.Background(), content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer tree.Close()

	return Collect(tree), nil
}

// Collect returns the methods declared in tree, in source order. Methods of
// local and anonymous classes are measured as part of their enclosing
// method and not reported separately.
func Collect(tree *javaast.Tree) []Method {
	collector := &declarationCollector{tree: tree}
	collector.walk(tree.Root)

	return collector.methods
}

type declarationCollector struct {
	tree    *javaast.Tree
	scope   []string
	methods []Method
}

func (c *declarationCollector) walk(n sitter.Node) {
	nodeType := n.Type()

	switch {
	case javaast.MethodDeclarations[nodeType]:
		c.methods = append(c.methods, c.method(n))
	case javaast.TypeDeclarations[nodeType]:
		c.scope = append(c.scope, c.tree.FieldText(n, "name"))

		if body := n.ChildByFieldName("body"); !body.IsNull() {
			c.walk(body)
		}

		c.scope = c.scope[:len(c.scope)-1]
	case javaast.TypeBodies[nodeType]:
		for idx := range n.NamedChildCount() {
			c.walk(n.NamedChild(idx))
		}
	}
}

func (c *declarationCollector) method(n sitter.Node) Method {
	name := c.tree.FieldText(n, "name")
	params := c.parameterTypes(n.ChildByFieldName("parameters"))

	qualified := append(append([]string{}, c.scope...), name)

	m := Method{
		Signature: strings.Join(qualified, ".") + "(" + strings.Join(params, ",") + ")",
		StartLine: javaast.StartLine(n),
		EndLine:   javaast.EndLine(n),
	}

	m.Metrics = measure(c.tree, n)
	m.Metrics.Parameters = len(params)

	return m
}

func (c *declarationCollector) parameterTypes(params sitter.Node) []string {
	if params.IsNull() {
		return nil
	}

	var types []string

	for idx := range params.NamedChildCount() {
		param := params.NamedChild(idx)

		switch param.Type() {
		case "formal_parameter":
			types = append(types, c.tree.FieldText(param, "type")+c.tree.FieldText(param, "dimensions"))
		case "spread_parameter":
			types = append(types, c.spreadType(param))
		}
	}

	return types
}

func (c *declarationCollector) spreadType(param sitter.Node) string {
	for idx := range param.NamedChildCount() {
		child := param.NamedChild(idx)

		switch child.Type() {
		case "modifiers", "variable_declarator", "marker_annotation", "annotation":
			continue
		}

		return c.tree.CompactText(child) + "..."
	}

	return "..."
}
