package clients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/execx"
	"github.com/151300/FreeNodes/internal/launcher"
)

const pythonProbeName = "python"

// commandFunc runs a command and returns its combined output. Tests replace
// it to avoid spawning real interpreters.
type commandFunc func(ctx context.Context, c execx.Command) (string, execx.Result)

// PythonRuntime checks that the node processor's interpreter can import its
// YAML module and installs the package when it cannot.
//
// Neither operation goes through a circuit breaker: every launch that
// finds the module missing gets exactly one install attempt.
type PythonRuntime struct {
	cfg     config.RuntimeConfig
	root    string
	capture commandFunc
	run     func(ctx context.Context, c execx.Command) execx.Result
}

// NewPythonRuntime creates a PythonRuntime. Commands run with root as their
// working directory.
func NewPythonRuntime(cfg config.RuntimeConfig, root string) *PythonRuntime {
	return &PythonRuntime{
		cfg:     cfg,
		root:    root,
		capture: execx.Capture,
		run:     execx.Run,
	}
}

// Probe runs `<python> -c "import <module>"`.
func (p *PythonRuntime) Probe(ctx context.Context) launcher.ProbeResult {
	start := time.Now()

	ctx, cancel := withOptionalTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	out, res := p.capture(ctx, execx.Command{
		Name: p.cfg.Python,
		Args: []string{"-c", "import " + p.cfg.YAMLModule},
		Dir:  p.root,
	})

	result := launcher.ProbeResult{
		Name:      pythonProbeName,
		OK:        res.OK(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if !res.OK() {
		result.Error = probeError(out, res)
	}
	return result
}

// Install runs the package installer once with output passed through to
// the console. A non-zero exit is an error.
func (p *PythonRuntime) Install(ctx context.Context) error {
	ctx, cancel := withOptionalTimeout(ctx, p.cfg.InstallTimeout)
	defer cancel()

	cmd := p.InstallCommand()
	res := p.run(ctx, cmd)
	if !res.OK() {
		return fmt.Errorf("%s exited with code %d: %w", cmd.String(), res.Code, errOrExit(res))
	}
	return nil
}

// InstallCommand is `<python> -m pip install <package>`, so the package
// lands in the interpreter Probe checks. A configured pip overrides it.
func (p *PythonRuntime) InstallCommand() execx.Command {
	if pip := strings.TrimSpace(p.cfg.Pip); pip != "" {
		return execx.Command{Name: pip, Args: []string{"install", p.cfg.YAMLPackage}, Dir: p.root}
	}
	return execx.Command{
		Name: p.cfg.Python,
		Args: []string{"-m", "pip", "install", p.cfg.YAMLPackage},
		Dir:  p.root,
	}
}

// probeError prefers the last line the interpreter printed, which for a
// failed import is the ModuleNotFoundError.
func probeError(out string, res execx.Result) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("exit code %d", res.Code)
}

func errOrExit(res execx.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("exit code %d", res.Code)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
