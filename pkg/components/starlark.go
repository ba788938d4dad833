package components

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultScriptTimeout bounds a single script execution.
const DefaultScriptTimeout = 30 * time.Second

// scriptOptions enables the dialect features component scripts rely on,
// notably if/for/while at top level.
var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkEvaluator executes component scripts.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Timeout returns the per-execution timeout.
func (se *StarlarkEvaluator) Timeout() time.Duration {
	return se.timeout
}

// Evaluate runs script with the given predeclared globals and returns the
// globals the script defined. Execution is cancelled when ctx is done or the
// timeout expires.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name, script string, input starlark.StringDict) (starlark.StringDict, error) {
	logger := zerolog.Ctx(ctx)

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("script", name).Msg(msg)
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for k, v := range input {
		predeclared[k] = v
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-stop:
		}
	}()

	globals, err := starlark.ExecFileOptions(scriptOptions, thread, name+".star", script, predeclared)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("script execution timeout after %v: %w", se.timeout, err)
		}
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	return globals, nil
}

// toStarlarkValue converts a scalar port value to a Starlark value.
// Integral numbers become Int so that scripts can use them as indices.
func toStarlarkValue(v cty.Value) (starlark.Value, error) {
	if v.IsNull() || !v.IsKnown() {
		return starlark.None, nil
	}

	switch {
	case v.Type().Equals(cty.Bool):
		return starlark.Bool(v.True()), nil
	case v.Type().Equals(cty.String):
		return starlark.String(v.AsString()), nil
	case v.Type().Equals(cty.Number):
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int(nil)
			return starlark.MakeBigInt(i), nil
		}
		f, _ := bf.Float64()
		return starlark.Float(f), nil
	default:
		return nil, fmt.Errorf("unsupported port type: %s", v.Type().FriendlyName())
	}
}

// fromStarlarkValue converts a Starlark scalar back to a port value.
func fromStarlarkValue(v starlark.Value) (cty.Value, error) {
	switch val := v.(type) {
	case starlark.Bool:
		return cty.BoolVal(bool(val)), nil
	case starlark.String:
		return cty.StringVal(string(val)), nil
	case starlark.Int:
		return cty.NumberVal(new(big.Float).SetInt(val.BigInt())), nil
	case starlark.Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return cty.NilVal, fmt.Errorf("%v is not a valid number", f)
		}
		return cty.NumberFloatVal(f), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
