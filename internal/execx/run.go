// Package execx runs host commands for the launcher and maps their outcome
// to a shell-style exit code.
package execx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Exit codes reported when the process never produced one of its own.
const (
	CodeFailure  = 1
	CodeTimeout  = 124
	CodeNotFound = 127
)

// Result is the outcome of a command. Code is 0 on success.
type Result struct {
	Code int
	Err  error
}

// OK reports whether the command exited with status 0.
func (r Result) OK() bool { return r.Code == 0 && r.Err == nil }

// Command describes a single process invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory of the child. Empty means the caller's.
	Dir string
	// Env entries are appended to the parent environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Run executes c and waits for it. Output goes to c.Stdout/c.Stderr, or to
// the launcher's own stdout/stderr when unset. Stdin is never connected.
func Run(ctx context.Context, c Command) Result {
	cmd := build(ctx, c)
	cmd.Stdout = orDefault(c.Stdout, os.Stdout)
	cmd.Stderr = orDefault(c.Stderr, os.Stderr)
	err := cmd.Run()
	return Result{Code: exitCode(ctx, err), Err: err}
}

// Capture executes c and returns its combined stdout/stderr.
func Capture(ctx context.Context, c Command) (string, Result) {
	cmd := build(ctx, c)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), Result{Code: exitCode(ctx, err), Err: err}
}

// LookPath reports whether name resolves to an executable.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func build(ctx context.Context, c Command) *exec.Cmd {
	slog.DebugContext(ctx, "exec", "cmd", c.String(), "dir", c.Dir)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	var (
		ee *exec.ExitError
		pe *os.PathError
	)
	switch {
	case errors.As(err, &ee) && ee.ExitCode() >= 0:
		return ee.ExitCode()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &pe) && pe.Op == "chdir":
		// A missing working directory is not a missing command.
		return CodeFailure
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return CodeNotFound
	default:
		return CodeFailure
	}
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
