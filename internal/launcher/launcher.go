// Package launcher runs the bootstrap sequence in front of the node
// processor: dependency check, directory preparation, then a single
// synchronous invocation of the processor.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/151300/FreeNodes/internal/layout"
)

const tracerName = "freenodes-launcher"

var (
	// ErrLaunchInProgress is returned when Run is called while a launch is
	// already running.
	ErrLaunchInProgress = errors.New("launch already in progress")

	// ErrLocked is returned by a Locker when another process holds the run lock.
	ErrLocked = errors.New("run lock held by another launcher")

	// ErrDependencyUnavailable marks a YAML dependency that could not be
	// satisfied, even after an install attempt.
	ErrDependencyUnavailable = errors.New("yaml dependency unavailable")
)

// DependencyManager is satisfied by *clients.PythonRuntime.
type DependencyManager interface {
	Probe(ctx context.Context) ProbeResult
	Install(ctx context.Context) error
}

// DirectoryPreparer is satisfied by *layout.Layout.
type DirectoryPreparer interface {
	Root() string
	Ensure() ([]layout.DirResult, error)
	Missing() ([]string, error)
}

// EntryPoint is satisfied by *clients.EntryPoint. Run returns the
// processor's exit code; err is set when it could not be run or failed.
type EntryPoint interface {
	Run(ctx context.Context) (int, error)
	Probe(ctx context.Context) ProbeResult
}

// Locker is satisfied by *clients.RedisLocker.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
	Probe(ctx context.Context) ProbeResult
}

// Reporter receives every finished launch. Satisfied by
// *clients.NATSReporter and *clients.PostgresReporter.
type Reporter interface {
	Name() string
	Report(ctx context.Context, result *LaunchResult) error
	Probe(ctx context.Context) ProbeResult
}

// Observer is told about phase and launch outcomes. Satisfied by
// *metrics.Metrics.
type Observer interface {
	ObservePhase(phase, status string, d time.Duration)
	ObserveLaunch(status string)
	ObserveInstall(ok bool)
}

// Option configures optional collaborators.
type Option func(*Launcher)

// WithLocker guards every launch with a cross-process lock.
func WithLocker(lk Locker) Option {
	return func(l *Launcher) { l.locker = lk }
}

// WithReporters adds sinks that receive each finished launch.
func WithReporters(rs ...Reporter) Option {
	return func(l *Launcher) { l.reporters = append(l.reporters, rs...) }
}

// WithObserver records phase and launch outcomes.
func WithObserver(o Observer) Option {
	return func(l *Launcher) { l.observer = o }
}

// Launcher runs launches and health probes.
type Launcher struct {
	deps    DependencyManager
	dirs    DirectoryPreparer
	entry   EntryPoint
	console *Console

	locker    Locker
	reporters []Reporter
	observer  Observer
	now       func() time.Time

	inProgress atomic.Bool
	lastResult *LaunchResult
	resultMu   sync.RWMutex
}

// New constructs a Launcher. console may be nil to run silently.
func New(deps DependencyManager, dirs DirectoryPreparer, entry EntryPoint, console *Console, opts ...Option) *Launcher {
	l := &Launcher{
		deps:     deps,
		dirs:     dirs,
		entry:    entry,
		console:  console,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run performs one launch. Phases run in order and a failed phase marks the
// remaining ones skipped. The processor's exit code becomes the result's
// ExitCode. The returned error is non-nil only when the launch could not
// start at all (ErrLaunchInProgress, lock failures).
func (l *Launcher) Run(ctx context.Context) (*LaunchResult, error) {
	if !l.inProgress.CompareAndSwap(false, true) {
		return nil, ErrLaunchInProgress
	}
	defer l.inProgress.Store(false)
	return l.run(ctx)
}

// Start claims the launch slot and runs the launch in the background. It
// returns ErrLaunchInProgress without starting anything when a launch is
// already active, so callers can report a conflict before replying.
func (l *Launcher) Start(ctx context.Context) error {
	if !l.inProgress.CompareAndSwap(false, true) {
		return ErrLaunchInProgress
	}
	go func() {
		defer l.inProgress.Store(false)
		if _, err := l.run(ctx); err != nil {
			slog.ErrorContext(ctx, "background launch failed", "error", err)
		}
	}()
	return nil
}

// run performs the launch; the caller holds the in-progress slot.
func (l *Launcher) run(ctx context.Context) (*LaunchResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "launcher.run")
	defer span.End()

	if l.locker != nil {
		release, err := l.locker.Acquire(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "releasing run lock failed", "error", err)
			}
		}()
	}

	result := &LaunchResult{
		Status:    StatusInProgress,
		Root:      l.dirs.Root(),
		StartedAt: l.now(),
	}

	slog.InfoContext(ctx, "launch started", "root", result.Root)
	l.console.Start()

	l.console.DependencyCheck()
	failed := l.runPhase(ctx, result, PhaseDependency, func(ctx context.Context) error {
		return l.ensureDependency(ctx, result)
	})

	if failed == nil {
		l.console.DirectoryCheck()
		failed = l.runPhase(ctx, result, PhaseDirectories, l.ensureDirectories)
	} else {
		l.skip(result, PhaseDirectories)
	}

	if failed == nil {
		entryErr := l.runPhase(ctx, result, PhaseEntrypoint, func(ctx context.Context) error {
			return l.runEntrypoint(ctx, result)
		})
		l.console.Done()
		failed = entryErr
	} else {
		l.skip(result, PhaseEntrypoint)
		l.console.Aborted(lastFailedPhase(result), failed)
		result.ExitCode = 1
	}

	result.FinishedAt = l.now()
	result.Status = StatusOK
	if failed != nil {
		result.Status = StatusError
	}

	span.SetAttributes(
		attribute.String("launch.status", result.Status),
		attribute.Int("launch.exit_code", result.ExitCode),
	)
	if result.Status == StatusError {
		span.SetStatus(codes.Error, "launch failed")
		slog.WarnContext(ctx, "launch completed with errors", "status", result.Status, "exit_code", result.ExitCode)
	} else {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "launch completed", "status", result.Status)
	}
	l.observer.ObserveLaunch(result.Status)

	l.resultMu.Lock()
	l.lastResult = result.clone()
	l.resultMu.Unlock()

	l.report(ctx, result)
	return result, nil
}

// runPhase times fn, records its PhaseResult and returns fn's error.
func (l *Launcher) runPhase(ctx context.Context, result *LaunchResult, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "launcher.phase."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	phase := PhaseResult{Name: name, Status: StatusOK, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		phase.Status = StatusError
		phase.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
	}
	logPhase(ctx, phase)
	l.observer.ObservePhase(name, phase.Status, elapsed)
	result.Phases = append(result.Phases, phase)
	return err
}

func (l *Launcher) skip(result *LaunchResult, name string) {
	result.Phases = append(result.Phases, PhaseResult{Name: name, Status: StatusSkipped})
	l.observer.ObservePhase(name, StatusSkipped, 0)
}

// ensureDependency installs the YAML package only when the probe fails, then
// checks that the install actually made it importable.
func (l *Launcher) ensureDependency(ctx context.Context, result *LaunchResult) error {
	probe := l.deps.Probe(ctx)
	if probe.OK {
		return nil
	}

	slog.InfoContext(ctx, "yaml dependency missing, installing", "probe_error", probe.Error)
	result.Installed = true
	err := l.deps.Install(ctx)
	l.observer.ObserveInstall(err == nil)
	if err != nil {
		return fmt.Errorf("%w: install failed: %v", ErrDependencyUnavailable, err)
	}

	if again := l.deps.Probe(ctx); !again.OK {
		return fmt.Errorf("%w: still not importable after install: %s", ErrDependencyUnavailable, again.Error)
	}
	return nil
}

func (l *Launcher) ensureDirectories(ctx context.Context) error {
	created, err := l.dirs.Ensure()
	for _, d := range created {
		if d.Created {
			slog.InfoContext(ctx, "directory created", "path", d.Path)
		}
	}
	if err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}
	return nil
}

func (l *Launcher) runEntrypoint(ctx context.Context, result *LaunchResult) error {
	code, err := l.entry.Run(ctx)
	if err != nil && code == 0 {
		code = 1
	}
	result.ExitCode = code
	if err != nil {
		return fmt.Errorf("entry point: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("entry point exited with code %d", code)
	}
	return nil
}

// report hands the result to every reporter. Reporter failures are logged
// and never change the launch outcome.
func (l *Launcher) report(ctx context.Context, result *LaunchResult) {
	for _, r := range l.reporters {
		if err := r.Report(ctx, result); err != nil {
			slog.WarnContext(ctx, "launch report failed", "reporter", r.Name(), "error", err)
		}
	}
}

// RunDeepHealth probes every collaborator concurrently. It never installs
// packages or creates directories.
func (l *Launcher) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, 4+len(l.reporters))
	var mu sync.Mutex
	var g errgroup.Group

	probe := func(name string, fn func(context.Context) ProbeResult) {
		g.Go(func() error {
			p := fn(ctx)
			mu.Lock()
			results[name] = p
			mu.Unlock()
			return nil
		})
	}

	probe("python", l.deps.Probe)
	probe("entrypoint", l.entry.Probe)
	probe("layout", l.probeLayout)
	if l.locker != nil {
		probe("lock", l.locker.Probe)
	}
	for _, r := range l.reporters {
		probe(r.Name(), r.Probe)
	}

	_ = g.Wait()
	return results
}

func (l *Launcher) probeLayout(_ context.Context) ProbeResult {
	start := time.Now()
	missing, err := l.dirs.Missing()
	p := ProbeResult{Name: "layout", LatencyMs: time.Since(start).Milliseconds()}
	switch {
	case err != nil:
		p.Error = err.Error()
	case len(missing) > 0:
		p.Error = fmt.Sprintf("missing directories: %v", missing)
	default:
		p.OK = true
	}
	return p
}

// IsInProgress returns true while a launch is active.
func (l *Launcher) IsInProgress() bool {
	return l.inProgress.Load()
}

// IsReady returns true if the last launch completed with StatusOK.
func (l *Launcher) IsReady() bool {
	l.resultMu.RLock()
	defer l.resultMu.RUnlock()
	return l.lastResult != nil && l.lastResult.Status == StatusOK
}

// LastResult returns a copy of the most recent launch result, or nil.
func (l *Launcher) LastResult() *LaunchResult {
	l.resultMu.RLock()
	defer l.resultMu.RUnlock()
	if l.lastResult == nil {
		return nil
	}
	return l.lastResult.clone()
}

// logPhase emits a trace-correlated log for a launch phase result.
func logPhase(ctx context.Context, p PhaseResult) {
	if p.Status == StatusOK {
		slog.InfoContext(ctx, "launch phase ok", "phase", p.Name, "duration_ms", p.DurationMs)
		return
	}
	slog.WarnContext(ctx, "launch phase failed", "phase", p.Name, "error", p.Error)
}

func lastFailedPhase(r *LaunchResult) string {
	for i := len(r.Phases) - 1; i >= 0; i-- {
		if r.Phases[i].Status == StatusError {
			return r.Phases[i].Name
		}
	}
	return "launch"
}

type nopObserver struct{}

func (nopObserver) ObservePhase(string, string, time.Duration) {}
func (nopObserver) ObserveLaunch(string)                       {}
func (nopObserver) ObserveInstall(bool)                        {}
