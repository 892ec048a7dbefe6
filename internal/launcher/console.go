package launcher

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

var rule = strings.Repeat("=", 50)

// Console prints the human-readable progress lines of a launch.
type Console struct {
	w         io.Writer
	now       func() time.Time
	outputDir string
	logsDir   string
}

// NewConsole returns a Console writing to w. outputDir and logsDir are the
// relative locations named in the completion banner.
func NewConsole(w io.Writer, outputDir, logsDir string) *Console {
	return &Console{
		w:         w,
		now:       time.Now,
		outputDir: withSlash(outputDir),
		logsDir:   withSlash(logsDir),
	}
}

// Start prints the opening banner with the current time.
func (c *Console) Start() {
	if c == nil {
		return
	}
	c.printf("%s\nFreeNodes node processing launcher\nStarted at %s\n%s\n",
		rule, c.now().Format(timestampLayout), rule)
}

// DependencyCheck announces the dependency check.
func (c *Console) DependencyCheck() {
	c.printf("Checking dependencies...\n")
}

// DirectoryCheck announces the directory check.
func (c *Console) DirectoryCheck() {
	c.printf("Checking directories...\n")
}

// Done prints the completion banner. It does not reflect the processor's
// exit status.
func (c *Console) Done() {
	if c == nil {
		return
	}
	c.printf("%s\nProcessing finished.\nOutput: %s\nLogs:   %s\n%s\n",
		rule, c.outputDir, c.logsDir, rule)
}

// Aborted reports a launch that stopped before the processor ran.
func (c *Console) Aborted(phase string, err error) {
	if c == nil {
		return
	}
	c.printf("%s\nLaunch aborted during %s: %v\n%s\n", rule, phase, err, rule)
}

func (c *Console) printf(format string, args ...any) {
	if c == nil || c.w == nil {
		return
	}
	fmt.Fprintf(c.w, format, args...) //nolint:errcheck
}

func withSlash(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
