package components

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// ScriptComponent computes outputs with a Starlark script.
//
// Every input is a predeclared global holding the current input value.
// The global "connected" is the list of output names consumed downstream,
// and "invocation" is the 1-based pass index. After the script ran, each
// top-level global named like a declared output is written to that output;
// other globals are ignored. A script may therefore skip outputs nobody
// consumes:
//
//	x = a + 1
//	if "y" in connected:
//	    y = expensive(a)
type ScriptComponent struct {
	source    string
	evaluator *StarlarkEvaluator
}

// NewScript builds a script component from def.
func NewScript(def Definition) (*engine.Component, error) {
	if def.Script == "" {
		return nil, engine.NewPermanentError("script component has no script", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(def.Name)
	}
	if _, err := scriptOptions.Parse(def.Name+".star", def.Script, 0); err != nil {
		return nil, engine.NewPermanentError("script does not parse", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(def.Name)
	}

	reg, err := newRegistry(def)
	if err != nil {
		return nil, err
	}
	return engine.NewComponent(def.Name, reg, &ScriptComponent{
		source:    def.Script,
		evaluator: NewStarlarkEvaluator(def.Timeout),
	})
}

// Compute runs the script once.
func (s *ScriptComponent) Compute(ctx context.Context, pass *engine.Pass) error {
	input := make(starlark.StringDict, len(pass.Inputs())+2)
	for _, name := range pass.Inputs() {
		v, err := pass.Input(name)
		if err != nil {
			return err
		}
		sv, err := toStarlarkValue(v)
		if err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
		input[name] = sv
	}

	connected := pass.Connected()
	names := make([]starlark.Value, len(connected))
	for i, n := range connected {
		names[i] = starlark.String(n)
	}
	list := starlark.NewList(names)
	list.Freeze()
	input["connected"] = list
	input["invocation"] = starlark.MakeInt(pass.Invocation())

	globals, err := s.evaluator.Evaluate(ctx, pass.Component(), s.source, input)
	if err != nil {
		return err
	}

	for _, name := range pass.Outputs() {
		sv, ok := globals[name]
		if !ok {
			continue
		}
		v, err := fromStarlarkValue(sv)
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		if err := pass.SetOutput(name, v); err != nil {
			return err
		}
	}
	return nil
}
