// Package extcode runs external programs on behalf of components.
//
// Commands run through /bin/sh -c in an explicit working directory, never the
// process-global one, with an optional timeout. Failures are *engine.EngineError
// values with codes ErrCodeNullCommand, ErrCodeTimeout and ErrCodeNonZeroExit.
package extcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// STDOUT as Command.Stderr sends standard error to wherever standard output goes.
const STDOUT = "<stdout>"

// DefaultShell interprets Command.Line.
const DefaultShell = "/bin/sh"

// Command describes one external program execution.
type Command struct {
	// Line is the shell command line.
	Line string

	// WorkDir is the working directory. Relative redirection paths are
	// resolved against it. Empty means the current directory.
	WorkDir string

	// Timeout bounds the execution. Zero means no timeout.
	Timeout time.Duration

	// Env holds extra environment variables added to the inherited environment.
	Env map[string]string

	// Stdin, Stdout and Stderr are optional file paths for redirection.
	// Output is captured in the Result whether or not it is redirected.
	Stdin  string
	Stdout string
	Stderr string

	// Shell overrides DefaultShell.
	Shell string
}

// Result is the outcome of an execution that started.
type Result struct {
	ReturnCode int
	TimedOut   bool
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// ExecuteWithTimeout runs cmd and waits for it to finish, time out, or for ctx
// to be cancelled. A Result is returned whenever the process started, including
// alongside timeout and non-zero exit errors.
func ExecuteWithTimeout(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Line) == "" {
		return nil, engine.NewPermanentError("Null command line", nil).
			WithCode(engine.ErrCodeNullCommand).
			WithOperation("execute")
	}

	logger := zerolog.Ctx(ctx).With().Str("command", cmd.Line).Str("workdir", cmd.WorkDir).Logger()

	shell := cmd.Shell
	if shell == "" {
		shell = DefaultShell
	}

	c := exec.Command(shell, "-c", cmd.Line)
	c.Dir = cmd.WorkDir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), formatEnv(cmd.Env)...)
	}
	setProcessGroup(c)

	var stdout, stderr bytes.Buffer
	outW, errW := io.Writer(&stdout), io.Writer(&stderr)

	closers := make([]io.Closer, 0, 3)
	defer func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()

	if cmd.Stdin != "" {
		f, err := os.Open(resolve(cmd.WorkDir, cmd.Stdin))
		if err != nil {
			return nil, redirectError("stdin", cmd.Stdin, err)
		}
		closers = append(closers, f)
		c.Stdin = f
	}
	if cmd.Stdout != "" {
		f, err := os.Create(resolve(cmd.WorkDir, cmd.Stdout))
		if err != nil {
			return nil, redirectError("stdout", cmd.Stdout, err)
		}
		closers = append(closers, f)
		outW = io.MultiWriter(&stdout, f)
	}
	switch cmd.Stderr {
	case "":
	case STDOUT:
		errW = outW
	default:
		f, err := os.Create(resolve(cmd.WorkDir, cmd.Stderr))
		if err != nil {
			return nil, redirectError("stderr", cmd.Stderr, err)
		}
		closers = append(closers, f)
		errW = io.MultiWriter(&stderr, f)
	}
	c.Stdout = outW
	c.Stderr = errW

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, engine.NewPermanentError("failed to start command", err).
			WithCode(engine.ErrCodeInternal).
			WithOperation("execute").
			WithDetail("command", cmd.Line)
	}
	logger.Debug().Int("pid", c.Process.Pid).Dur("timeout", cmd.Timeout).Msg("Command started")

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var timeout <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		killProcessGroup(c)
		<-done
	case <-ctx.Done():
		killProcessGroup(c)
		<-done
		return &Result{ReturnCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)},
			engine.NewTransientError("Interrupted", ctx.Err()).
				WithCode(engine.ErrCodeInterrupted).
				WithOperation("execute")
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if timedOut {
		result.TimedOut = true
		result.ReturnCode = -1
		logger.Warn().Dur("timeout", cmd.Timeout).Msg("Command timed out")
		return result, engine.NewTransientError("Timed out", nil).
			WithCode(engine.ErrCodeTimeout).
			WithOperation("execute").
			WithDetail("timeout", cmd.Timeout.String())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, engine.NewPermanentError("failed to execute command", waitErr).
				WithCode(engine.ErrCodeInternal).
				WithOperation("execute")
		}
		result.ReturnCode = exitErr.ExitCode()
	}

	if result.ReturnCode != 0 {
		logger.Debug().Int("return_code", result.ReturnCode).Msg("Command failed")
		return result, engine.NewPermanentError(fmt.Sprintf("return_code = %d", result.ReturnCode), nil).
			WithCode(engine.ErrCodeNonZeroExit).
			WithOperation("execute").
			WithDetail("return_code", result.ReturnCode).
			WithDetail("stderr", tail(result.Stderr, 512))
	}

	logger.Debug().Dur("duration", result.Duration).Msg("Command completed")
	return result, nil
}

func formatEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

func redirectError(stream, path string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("cannot redirect %s to %s", stream, path), err).
		WithCode(engine.ErrCodeValidation).
		WithOperation("execute")
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
