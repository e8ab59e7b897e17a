// Package expression implements the small expression language shared by every node
// handler.
//
// Grammar:
//
//	expr        = placeholder | reference | literal
//	placeholder = "{{" ws ( reference | key ) ws "}}"
//	reference   = ( "$json" | "$input" ) [ "." path ]
//	            | "$node" "." nodeId [ "." path ]
//	path        = segment { "." segment }        ; numeric segments index arrays
//
// Inside handlers only placeholders are substituted (Resolve). The loop controller also
// accepts bare references and variable names when resolving its items (ResolveIterable).
package expression

import (
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/engine/pathutil"
)

// Kind classifies a parsed expression.
type Kind int

const (
	// KindLiteral is a plain value that is not an expression.
	KindLiteral Kind = iota
	// KindPlaceholder is a {{key}} lookup in variables, then input.
	KindPlaceholder
	// KindInputPath is a $json.<path> or $input.<path> lookup in input.
	KindInputPath
	// KindNodeRef is a $node.<nodeId>.<path> lookup of a prior node's output.
	KindNodeRef
	// KindVariable is a bare variable name.
	KindVariable
)

const (
	prefixJSON  = "$json"
	prefixInput = "$input"
	prefixNode  = "$node"
)

// Expr is a parsed expression.
type Expr struct {
	Kind Kind
	// Raw is the original text.
	Raw string
	// Name is the placeholder key, variable name or node id.
	Name string
	// Path holds the drill-down segments applied after the root lookup.
	Path []string
}

// IsPlaceholder reports whether s is exactly wrapped in {{ }}.
func IsPlaceholder(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}")
}

// Parse parses handler config text. Only text exactly wrapped in {{ }} is an
// expression; everything else is a literal.
func Parse(text string) Expr {
	if !IsPlaceholder(text) {
		return Expr{Kind: KindLiteral, Raw: text}
	}
	inner := strings.TrimSpace(text[2 : len(text)-2])
	if ref, ok := parseReference(inner); ok {
		ref.Raw = text
		return ref
	}
	return Expr{Kind: KindPlaceholder, Raw: text, Name: inner}
}

// ParseReference parses an iterable expression: a placeholder, a $json/$input/$node
// reference or a bare variable name.
func ParseReference(text string) Expr {
	trimmed := strings.TrimSpace(text)
	if IsPlaceholder(trimmed) {
		e := Parse(trimmed)
		e.Raw = text
		return e
	}
	if ref, ok := parseReference(trimmed); ok {
		ref.Raw = text
		return ref
	}
	if trimmed == "" {
		return Expr{Kind: KindLiteral, Raw: text}
	}
	return Expr{Kind: KindVariable, Raw: text, Name: trimmed}
}

func parseReference(text string) (Expr, bool) {
	switch {
	case hasRoot(text, prefixJSON):
		return Expr{Kind: KindInputPath, Path: pathutil.Split(strings.TrimPrefix(text, prefixJSON))}, true
	case hasRoot(text, prefixInput):
		return Expr{Kind: KindInputPath, Path: pathutil.Split(strings.TrimPrefix(text, prefixInput))}, true
	case hasRoot(text, prefixNode):
		segments := pathutil.Split(strings.TrimPrefix(text, prefixNode))
		if len(segments) == 0 {
			return Expr{Kind: KindLiteral}, false
		}
		return Expr{Kind: KindNodeRef, Name: segments[0], Path: segments[1:]}, true
	}
	return Expr{}, false
}

// hasRoot reports whether text is prefix itself or prefix followed by a path.
func hasRoot(text, prefix string) bool {
	if !strings.HasPrefix(text, prefix) {
		return false
	}
	rest := text[len(prefix):]
	return rest == "" || rest[0] == '.' || rest[0] == '['
}
