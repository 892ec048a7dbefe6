package clients

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/execx"
	"github.com/151300/FreeNodes/internal/launcher"
)

const entryProbeName = "entrypoint"

// EntryPoint invokes the external node processor from the project root.
type EntryPoint struct {
	python string
	cfg    config.EntryConfig
	root   string
	run    func(ctx context.Context, c execx.Command) execx.Result
	look   func(name string) (string, error)
}

// NewEntryPoint creates an EntryPoint running cfg.Script with python.
func NewEntryPoint(python string, cfg config.EntryConfig, root string) *EntryPoint {
	return &EntryPoint{
		python: python,
		cfg:    cfg,
		root:   root,
		run:    execx.Run,
		look:   execx.LookPath,
	}
}

// Command returns the invocation: `<python> <script> [args...] <force flag>`,
// run from the project root. The force flag is passed through unchanged.
func (e *EntryPoint) Command() execx.Command {
	args := make([]string, 0, len(e.cfg.Args)+2)
	args = append(args, filepath.FromSlash(e.cfg.Script))
	args = append(args, e.cfg.Args...)
	args = append(args, e.cfg.ForceFlag)
	return execx.Command{Name: e.python, Args: args, Dir: e.root}
}

// Run executes the processor once and waits for it. The processor's own
// non-zero exit is reported through the code with a nil error; err is set
// only when the process could not run to completion. Every call invokes
// the processor, whatever earlier calls returned.
func (e *EntryPoint) Run(ctx context.Context) (int, error) {
	ctx, cancel := withOptionalTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res := e.run(ctx, e.Command())
	if res.Code != 0 && isStartFailure(res) {
		return res.Code, res.Err
	}
	return res.Code, nil
}

// Probe checks that the interpreter resolves and the script exists.
func (e *EntryPoint) Probe(_ context.Context) launcher.ProbeResult {
	start := time.Now()
	result := launcher.ProbeResult{Name: entryProbeName}

	if _, err := e.look(e.python); err != nil {
		result.Error = fmt.Sprintf("interpreter %q not found: %v", e.python, err)
	} else if st, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(e.cfg.Script))); err != nil {
		result.Error = fmt.Sprintf("script %s: %v", e.cfg.Script, err)
	} else if st.IsDir() {
		result.Error = fmt.Sprintf("script %s is a directory", e.cfg.Script)
	} else {
		result.OK = true
	}

	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

// isStartFailure separates "could not run" from "ran and exited non-zero".
func isStartFailure(res execx.Result) bool {
	return res.Code == execx.CodeNotFound || res.Code == execx.CodeTimeout
}
