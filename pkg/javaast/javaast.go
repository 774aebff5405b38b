// Package javaast parses Java sources with tree-sitter and offers the small
// set of node helpers the metric and smell extractors share.
package javaast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alexaandru/go-sitter-forest/java"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

// ErrSyntax is returned when the parse tree contains error nodes.
var ErrSyntax = errors.New("java syntax error")

var (
	errPoolType   = errors.New("unexpected parser pool type")
	errNoRootNode = errors.New("parse produced no root node")
)

var (
	languageOnce sync.Once
	language     *sitter.Language

	parserPool = sync.Pool{
		New: func() any {
			tsParser := sitter.NewParser()
			tsParser.SetLanguage(Language())

			return tsParser
		},
	}
)

// Language returns the tree-sitter Java grammar.
func Language() *sitter.Language {
	languageOnce.Do(func() {
		language = sitter.NewLanguage(java.GetLanguage())
	})

	return language
}

// Tree is a parsed compilation unit together with its source bytes.
// Close releases the native tree.
type Tree struct {
	tree   *sitter.Tree
	Root   sitter.Node
	Source []byte
}

// Close releases the underlying tree.
func (t *Tree) Close() {
	if t.tree != nil {
		t.tree.Close()
		t.tree = nil
	}
}

// Parse parses content. A tree holding ERROR or MISSING nodes is closed
// and reported as ErrSyntax.
func Parse(ctx context.Context, content []byte) (*Tree, error) {
	tsParser, ok := parserPool.Get().(*sitter.Parser)
	if !ok {
		return nil, errPoolType
	}

	defer parserPool.Put(tsParser)

	tree, err := tsParser.ParseString(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}

	root := tree.RootNode()
	if root.IsNull() {
		tree.Close()

		return nil, errNoRootNode
	}

	if root.HasError() {
		line := errorLine(root)

		tree.Close()

		return nil, fmt.Errorf("%w at line %d", ErrSyntax, line)
	}

	return &Tree{tree: tree, Root: root, Source: content}, nil
}

// errorLine follows the erroneous children of n down to the innermost
// ERROR or MISSING node and returns its line.
func errorLine(n sitter.Node) int {
	for idx := range n.ChildCount() {
		child := n.Child(idx)
		if !child.IsNull() && child.HasError() {
			return errorLine(child)
		}
	}

	return StartLine(n)
}

// Text returns the node's source text.
func (t *Tree) Text(n sitter.Node) string {
	start, end := n.StartByte(), n.EndByte()
	if end > uint(len(t.Source)) || start > end {
		return ""
	}

	return string(t.Source[start:end])
}

// CompactText returns the node's text with all whitespace removed.
func (t *Tree) CompactText(n sitter.Node) string {
	return strings.Join(strings.Fields(t.Text(n)), "")
}

// StartLine is the 1-based first line of n.
func StartLine(n sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// EndLine is the 1-based last line of n.
func EndLine(n sitter.Node) int {
	return int(n.EndPoint().Row) + 1
}

// FieldText returns the compacted text of n's field child, or "".
func (t *Tree) FieldText(n sitter.Node, field string) string {
	child := n.ChildByFieldName(field)
	if child.IsNull() {
		return ""
	}

	return t.CompactText(child)
}

// Walk visits n and its named descendants depth-first. Returning false
// from visit skips the node's children.
func Walk(n sitter.Node, visit func(sitter.Node) bool) {
	if !visit(n) {
		return
	}

	for idx := range n.NamedChildCount() {
		Walk(n.NamedChild(idx), visit)
	}
}

// TypeDeclarations are the node types that open a named type scope.
var TypeDeclarations = map[string]bool{
	"class_declaration":           true,
	"interface_declaration":       true,
	"enum_declaration":            true,
	"record_declaration":          true,
	"annotation_type_declaration": true,
}

// TypeBodies are the node types whose members are walked for declarations.
var TypeBodies = map[string]bool{
	"program":                true,
	"class_body":             true,
	"interface_body":         true,
	"enum_body":              true,
	"enum_body_declarations": true,
	"annotation_type_body":   true,
}

// MethodDeclarations are the node types reported as methods.
var MethodDeclarations = map[string]bool{
	"method_declaration":              true,
	"constructor_declaration":         true,
	"compact_constructor_declaration": true,
}
