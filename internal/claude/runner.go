package claude

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionDead is returned when a turn is sent to a session whose
	// process has exited.
	ErrSessionDead = errors.New("session process has exited")

	// ErrSessionStopped is returned after Stop has been called.
	ErrSessionStopped = errors.New("session stopped")

	// ErrTurnInFlight is returned when Send is called while a previous
	// turn is still streaming. Sessions handle one turn at a time.
	ErrTurnInFlight = errors.New("session already has a turn in flight")
)

// =============================================================================
// RUNNER
// =============================================================================

// SessionOptions configure a new session.
type SessionOptions struct {
	// SessionID labels the session in logs. Assigned if empty.
	SessionID string

	// Model passed to the CLI via --model. Empty uses the CLI default.
	Model string

	// WorkingDir becomes the CLI process working directory.
	WorkingDir string

	// Interactive keeps one CLI process alive across turns instead of
	// spawning a fresh one per turn.
	Interactive bool

	// Resume passes --continue so the CLI picks up the most recent
	// conversation in WorkingDir. Used to recover after process death.
	Resume bool

	// SkipPermissions passes --dangerously-skip-permissions.
	SkipPermissions bool

	// AdditionalDirs grant the CLI access beyond WorkingDir (--add-dir).
	AdditionalDirs []string
}

// Runner starts sessions against an execution backend.
type Runner interface {
	Start(ctx context.Context, opts SessionOptions) (Session, error)
	Version(ctx context.Context) (string, error)
}

// Session is a live backend process. One turn at a time: Send streams
// events until a terminal result, then the next Send may begin.
type Session interface {
	ID() string

	// Send submits a turn and returns the event stream for it. The
	// channel is closed after the terminal event. Cancelling ctx
	// abandons the turn.
	Send(ctx context.Context, prompt string) (<-chan Event, error)

	// Interrupt asks the backend to abort the in-flight turn.
	Interrupt() error

	// Alive reports whether the session can still accept turns.
	Alive() bool

	// Stop terminates the session and reclaims its process.
	Stop() error
}

// CLIRunner starts real Claude CLI processes.
type CLIRunner struct {
	command string
	logger  *zap.Logger
}

// NewCLIRunner creates a runner that spawns the given binary.
func NewCLIRunner(command string, logger *zap.Logger) *CLIRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIRunner{command: command, logger: logger}
}

// Start creates a session. One-shot sessions spawn nothing until the
// first Send; interactive sessions launch their process immediately.
func (r *CLIRunner) Start(ctx context.Context, opts SessionOptions) (Session, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.Interactive {
		return startInteractive(ctx, r.command, opts, r.logger)
	}
	return &oneShotSession{
		id:      opts.SessionID,
		command: r.command,
		opts:    opts,
		logger:  r.logger,
	}, nil
}

// Version reports the CLI version, used by the health endpoint to verify
// the binary is reachable.
func (r *CLIRunner) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.command, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", r.command, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// printArgs builds the argument list for a one-shot turn.
func printArgs(opts SessionOptions) []string {
	// stream-json output requires --verbose
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

// streamArgs builds the argument list for an interactive session. The
// stream-json input format accepts user messages as JSON lines until
// stdin closes, which is what keeps the process reusable across turns.
func streamArgs(opts SessionOptions) []string {
	args := []string{
		"--print", "--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume {
		args = append(args, "--continue")
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

var _ Runner = (*CLIRunner)(nil)
