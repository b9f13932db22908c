// Package filter compiles CEL expressions that select which events a
// subscription delivers.
package filter

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/syntrixbase/agentfeed/pkg/model"
)

// Compiler compiles filter expressions against the event environment.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler exposing a single map variable, event.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL environment error: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Filter is a compiled expression. A nil Filter matches every event.
type Filter struct {
	expr string
	prg  cel.Program
}

// Compile compiles expr. An empty or blank expression yields a nil Filter.
func (c *Compiler) Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if k := ast.OutputType().Kind(); k != types.BoolKind && k != types.DynKind {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Compile is a convenience wrapper using a fresh compiler.
func Compile(expr string) (*Filter, error) {
	c, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	return c.Compile(expr)
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against ev.
func (f *Filter) Match(ev model.Event) (bool, error) {
	if f == nil {
		return true, nil
	}

	props := ev.Properties
	if props == nil {
		props = map[string]any{}
	}
	out, _, err := f.prg.Eval(map[string]any{
		"event": map[string]any{
			"type":       ev.Type,
			"properties": props,
		},
	})
	if err != nil {
		return false, err
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}
