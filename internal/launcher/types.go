package launcher

import "time"

// Status values used across LaunchResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

// Phase names, in execution order.
const (
	PhaseDependency  = "dependency"
	PhaseDirectories = "directories"
	PhaseEntrypoint  = "entrypoint"
)

// LaunchResult is the aggregate result of one launch.
type LaunchResult struct {
	Status     string        `json:"status" yaml:"status"` // "ok", "error", "in-progress"
	Root       string        `json:"root" yaml:"root"`
	StartedAt  time.Time     `json:"startedAt" yaml:"started_at"`
	FinishedAt time.Time     `json:"finishedAt" yaml:"finished_at"`
	ExitCode   int           `json:"exitCode" yaml:"exit_code"`
	Installed  bool          `json:"installed" yaml:"installed"`
	Phases     []PhaseResult `json:"phases" yaml:"phases"`
}

// Phase returns the named phase, if it was recorded.
func (r *LaunchResult) Phase(name string) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseResult{}, false
}

func (r *LaunchResult) clone() *LaunchResult {
	c := *r
	c.Phases = append([]PhaseResult(nil), r.Phases...)
	return &c
}

// PhaseResult represents the outcome of a single launch phase.
type PhaseResult struct {
	Name       string `json:"name" yaml:"name"`
	Status     string `json:"status" yaml:"status"` // "ok", "error", "skipped"
	DurationMs int64  `json:"durationMs" yaml:"duration_ms"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProbeResult is returned by RunDeepHealth for each dependency.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
