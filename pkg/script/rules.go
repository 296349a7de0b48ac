package script

import (
	"fmt"

	"github.com/dop251/goja/ast"
)

// Violation is one security finding in a submitted script.
type Violation struct {
	Line   int    `json:"line"`
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Rule inspects one syntax tree node and reports violations. Rules are
// independent; the validator runs all of them over every node and
// collects everything they find.
type Rule interface {
	Name() string
	Check(node ast.Node, lineOf func(ast.Node) int) []Violation
}

// forbiddenCalls are global functions scripts may not invoke. eval and
// Function would escape the static checks entirely; the rest reach the
// host environment or schedule code outside the run's deadline.
var forbiddenCalls = map[string]bool{
	"eval":           true,
	"Function":       true,
	"require":        true,
	"importScripts":  true,
	"setTimeout":     true,
	"setInterval":    true,
	"fetch":          true,
	"XMLHttpRequest": true,
}

// forbiddenIdentifiers are globals that open sandbox escape routes even
// without being called.
var forbiddenIdentifiers = map[string]bool{
	"globalThis": true,
	"Reflect":    true,
	"Proxy":      true,
}

// forbiddenAttributes are property names that walk up to constructors and
// prototypes, the classic route from any object back to Function.
var forbiddenAttributes = map[string]bool{
	"constructor":      true,
	"prototype":        true,
	"__proto__":        true,
	"__defineGetter__": true,
	"__defineSetter__": true,
	"__lookupGetter__": true,
	"__lookupSetter__": true,
	"caller":           true,
	"callee":           true,
}

// DefaultRules returns the standard rule set applied to every script.
func DefaultRules() []Rule {
	return []Rule{
		definitionRule{},
		callRule{},
		identifierRule{},
		attributeRule{},
	}
}

// definitionRule forbids function and class definitions. Scripts are
// straight-line orchestration code; arrow expressions remain available
// for inline callbacks, but not in async form.
type definitionRule struct{}

func (definitionRule) Name() string { return "no-definitions" }

func (definitionRule) Check(node ast.Node, lineOf func(ast.Node) int) []Violation {
	switch n := node.(type) {
	case *ast.FunctionLiteral:
		return []Violation{{
			Line:   lineOf(node),
			Rule:   "no-definitions",
			Reason: "function definitions are not allowed",
		}}
	case *ast.ClassLiteral:
		return []Violation{{
			Line:   lineOf(node),
			Rule:   "no-definitions",
			Reason: "class definitions are not allowed",
		}}
	case *ast.ArrowFunctionLiteral:
		if n.Async {
			return []Violation{{
				Line:   lineOf(node),
				Rule:   "no-definitions",
				Reason: "async functions are not allowed",
			}}
		}
	}
	return nil
}

// callRule forbids direct calls (and constructions) of denylisted
// globals.
type callRule struct{}

func (callRule) Name() string { return "no-forbidden-calls" }

func (callRule) Check(node ast.Node, lineOf func(ast.Node) int) []Violation {
	var callee ast.Expression
	switch n := node.(type) {
	case *ast.CallExpression:
		callee = n.Callee
	case *ast.NewExpression:
		callee = n.Callee
	default:
		return nil
	}

	ident, ok := callee.(*ast.Identifier)
	if !ok {
		return nil
	}
	name := ident.Name.String()
	if !forbiddenCalls[name] {
		return nil
	}
	return []Violation{{
		Line:   lineOf(node),
		Rule:   "no-forbidden-calls",
		Reason: fmt.Sprintf("call to %s is not allowed", name),
	}}
}

// identifierRule forbids any reference to denylisted globals.
type identifierRule struct{}

func (identifierRule) Name() string { return "no-forbidden-identifiers" }

func (identifierRule) Check(node ast.Node, lineOf func(ast.Node) int) []Violation {
	ident, ok := node.(*ast.Identifier)
	if !ok {
		return nil
	}
	name := ident.Name.String()
	if !forbiddenIdentifiers[name] {
		return nil
	}
	return []Violation{{
		Line:   lineOf(node),
		Rule:   "no-forbidden-identifiers",
		Reason: fmt.Sprintf("reference to %s is not allowed", name),
	}}
}

// attributeRule forbids access to denylisted property names, both dotted
// and via string-literal subscripts.
type attributeRule struct{}

func (attributeRule) Name() string { return "no-forbidden-attributes" }

func (attributeRule) Check(node ast.Node, lineOf func(ast.Node) int) []Violation {
	var name string
	switch n := node.(type) {
	case *ast.DotExpression:
		name = n.Identifier.Name.String()
	case *ast.BracketExpression:
		lit, ok := n.Member.(*ast.StringLiteral)
		if !ok {
			return nil
		}
		name = lit.Value.String()
	default:
		return nil
	}

	if !forbiddenAttributes[name] {
		return nil
	}
	return []Violation{{
		Line:   lineOf(node),
		Rule:   "no-forbidden-attributes",
		Reason: fmt.Sprintf("access to %s is not allowed", name),
	}}
}
