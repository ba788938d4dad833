package components

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/extcode"
	"github.com/lazyflow/lazyflow/pkg/telemetry"
)

// Output names every extcode component declares.
const (
	OutputReturnCode = "return_code"
	OutputTimedOut   = "timed_out"
	OutputStdout     = "stdout"
)

// EnvPrefix prefixes the environment variables carrying input values.
const EnvPrefix = "LAZYFLOW_"

// ExternalCode runs an external program on each pass.
//
// Input values reach the program as environment variables named
// LAZYFLOW_<INPUT> (upper case). The outputs return_code and timed_out are
// always declared and written. When the run fails they keep the values of
// the failed run but stay invalid, so the next pass runs the program again. If the definition
// declares a string output named stdout, it receives the captured output.
type ExternalCode struct {
	cmd         extcode.Command
	sandbox     *extcode.Sandbox
	instanceDir bool
	dirName     string
	resolved    bool
}

// NewExternalCode builds an extcode component from def.
func NewExternalCode(def Definition) (*engine.Component, error) {
	if strings.TrimSpace(def.Command) == "" {
		return nil, engine.NewPermanentError("Null command line", nil).
			WithCode(engine.ErrCodeNullCommand).
			WithResource(def.Name)
	}
	if def.CreateInstanceDir && def.Sandbox == nil {
		return nil, engine.NewPermanentError("instance directories need a sandbox", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(def.Name)
	}

	outputs := make([]engine.PortSpec, 0, len(def.Outputs)+2)
	for _, p := range def.Outputs {
		if p.Name == OutputReturnCode || p.Name == OutputTimedOut {
			continue
		}
		if p.Name == OutputStdout && !p.Type.Equals(cty.String) {
			return nil, engine.NewPermanentError("output stdout must be a string", nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(def.Name)
		}
		outputs = append(outputs, p)
	}
	outputs = append(outputs,
		engine.PortSpec{Name: OutputReturnCode, Type: cty.Number, Default: cty.Zero},
		engine.PortSpec{Name: OutputTimedOut, Type: cty.Bool, Default: cty.False},
	)
	def.Outputs = outputs

	reg, err := newRegistry(def)
	if err != nil {
		return nil, err
	}

	dirName := def.WorkDir
	if dirName == "" {
		dirName = def.Name
	}

	return engine.NewComponent(def.Name, reg, &ExternalCode{
		cmd: extcode.Command{
			Line:    def.Command,
			WorkDir: def.WorkDir,
			Timeout: def.Timeout,
			Env:     def.Env,
			Stdin:   def.Stdin,
			Stdout:  def.Stdout,
			Stderr:  def.Stderr,
		},
		sandbox:     def.Sandbox,
		instanceDir: def.CreateInstanceDir,
		dirName:     dirName,
	})
}

// WorkDir returns the directory the program runs in once it has been resolved.
func (e *ExternalCode) WorkDir() string {
	return e.cmd.WorkDir
}

// Compute runs the program.
func (e *ExternalCode) Compute(ctx context.Context, pass *engine.Pass) error {
	if err := e.resolveWorkDir(); err != nil {
		return err
	}

	cmd := e.cmd
	cmd.Env = make(map[string]string, len(e.cmd.Env)+len(pass.Inputs()))
	for k, v := range e.cmd.Env {
		cmd.Env[k] = v
	}
	for _, name := range pass.Inputs() {
		v, err := pass.Input(name)
		if err != nil {
			return err
		}
		cmd.Env[EnvPrefix+strings.ToUpper(name)] = envValue(v)
	}

	return telemetry.RecordExternalOperation(ctx, pass.Component(), cmd.Line, func(ctx context.Context) (string, error) {
		result, err := extcode.ExecuteWithTimeout(ctx, cmd)
		if result != nil {
			if werr := e.writeResult(pass, result, err == nil); werr != nil {
				return "error", werr
			}
		}
		switch {
		case err == nil:
			return "success", nil
		case result != nil && result.TimedOut:
			return "timeout", err
		case engine.IsCode(err, engine.ErrCodeNonZeroExit):
			return "failure", err
		default:
			return "error", err
		}
	})
}

// writeResult stores the outputs of a finished command. They are marked
// valid only when the command succeeded.
func (e *ExternalCode) writeResult(pass *engine.Pass, result *extcode.Result, succeeded bool) error {
	set := pass.SetOutputStale
	if succeeded {
		set = pass.SetOutput
	}
	if err := set(OutputReturnCode, cty.NumberIntVal(int64(result.ReturnCode))); err != nil {
		return err
	}
	if err := set(OutputTimedOut, cty.BoolVal(result.TimedOut)); err != nil {
		return err
	}
	for _, name := range pass.Outputs() {
		if name == OutputStdout {
			return set(OutputStdout, cty.StringVal(result.Stdout))
		}
	}
	return nil
}

// resolveWorkDir places the working directory inside the sandbox on first use.
func (e *ExternalCode) resolveWorkDir() error {
	if e.resolved || e.sandbox == nil {
		return nil
	}
	if filepath.IsAbs(e.cmd.WorkDir) {
		e.resolved = true
		return nil
	}

	var (
		dir string
		err error
	)
	if e.instanceDir {
		dir, err = e.sandbox.InstanceDir(e.dirName)
	} else {
		dir, err = e.sandbox.Dir(e.dirName)
	}
	if err != nil {
		return err
	}
	e.cmd.WorkDir = dir
	e.resolved = true
	return nil
}

func envValue(v cty.Value) string {
	switch g := engine.ValueToGo(v).(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%g", g)
	default:
		return fmt.Sprintf("%v", g)
	}
}
