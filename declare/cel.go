package declare

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"pkg.cwmpsession.run/engine/path"
)

// ErrCELInvalidEvaluationType is returned by NewCELPrerequisite when the
// compiled rule's result type is not bool.
var ErrCELInvalidEvaluationType = errors.New("declare: CEL rule must evaluate to a bool")

// CELPrerequisite is an optional alias-selector guard a provision can
// attach to a pathSet declaration, letting it express constraints content-
// addressed instance matching can't: e.g. "self.Enable == 'true'" over an
// InstanceSet candidate's key-map.
//
// Construction compiles the rule once; Match evaluates the compiled program
// many times, so a provision that re-declares the same pathSet across many
// sync cycles pays compilation cost only once.
type CELPrerequisite struct {
	rule    string
	message string
	program cel.Program
}

// NewCELPrerequisite compiles rule, which must reference a `self` variable
// and evaluate to bool, and returns a reusable matcher. message is a
// human-readable description surfaced on mismatch.
func NewCELPrerequisite(rule, message string) (*CELPrerequisite, error) {
	env, err := cel.NewEnv(cel.Variable("self", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("declare: CEL env: %w", err)
	}

	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("declare: CEL compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, ErrCELInvalidEvaluationType
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("declare: CEL program: %w", err)
	}

	return &CELPrerequisite{rule: rule, message: message, program: program}, nil
}

// Match evaluates the compiled rule against an instance's key-map.
func (c *CELPrerequisite) Match(keys path.InstanceKeys) (bool, error) {
	self := make(map[string]any, len(keys))
	for k, v := range keys {
		self[k] = v
	}

	out, _, err := c.program.Eval(map[string]any{"self": self})
	if err != nil {
		return false, fmt.Errorf("declare: CEL eval: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, ErrCELInvalidEvaluationType
	}
	return b, nil
}

// Message returns the guard's human-readable description.
func (c *CELPrerequisite) Message() string {
	return c.message
}

// Rule returns the original rule text.
func (c *CELPrerequisite) Rule() string {
	return c.rule
}
