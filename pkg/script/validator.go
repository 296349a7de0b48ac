package script

import (
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/capstanhq/capstan/pkg/gateway"
)

// Validator statically checks a script against a rule set before any of
// it runs. Validation rejects whole scripts; there is no partial
// execution of the parts that passed.
type Validator struct {
	rules []Rule
}

// NewValidator creates a validator with the given rules, defaulting to
// DefaultRules when none are supplied.
func NewValidator(rules ...Rule) *Validator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Validator{rules: rules}
}

// Validate checks src and returns nil when it is clean. Module syntax is
// caught by a line scan before parsing, so `import os` reports a security
// violation rather than being misfiled as a syntax error; anything else
// the parser rejects is a genuine syntax error.
func (v *Validator) Validate(src string) error {
	if violations := scanModuleSyntax(src); len(violations) > 0 {
		return violationError(violations)
	}

	program, err := parser.ParseFile(nil, "script", src, 0)
	if err != nil {
		return gateway.NewError(gateway.KindSyntaxError, err.Error())
	}

	lineOf := func(node ast.Node) int {
		return program.File.Position(int(node.Idx0()) - program.File.Base()).Line
	}

	var violations []Violation
	walkTree(program, func(node ast.Node) {
		for _, rule := range v.rules {
			violations = append(violations, rule.Check(node, lineOf)...)
		}
	})

	if len(violations) > 0 {
		return violationError(violations)
	}
	return nil
}

func violationError(violations []Violation) error {
	return gateway.NewError(gateway.KindSecurityViolation, violations[0].Reason).
		WithDetails("violations", violations)
}

// scanModuleSyntax flags import/export statements. The parser runs in
// script mode and would reject these anyway, but as syntax errors; they
// are policy rejections and must be reported as such.
func scanModuleSyntax(src string) []Violation {
	var violations []Violation
	for i, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if isModuleStatement(trimmed) {
			violations = append(violations, Violation{
				Line:   i + 1,
				Rule:   "no-imports",
				Reason: "import statements are not allowed",
			})
		}
	}
	return violations
}

func isModuleStatement(line string) bool {
	for _, kw := range []string{"import", "export"} {
		if line == kw {
			return true
		}
		if strings.HasPrefix(line, kw) {
			rest := line[len(kw):]
			switch rest[0] {
			case ' ', '\t', '(', '"', '\'', '{', '*':
				return true
			}
		}
	}
	return false
}
