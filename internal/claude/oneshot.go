package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// oneShotSession spawns a fresh CLI process for every turn. The session
// itself is just a reusable slot; nothing runs between turns.
type oneShotSession struct {
	mu      sync.Mutex
	id      string
	command string
	opts    SessionOptions
	logger  *zap.Logger
	cmd     *exec.Cmd // in-flight process, nil between turns
	stopped bool
}

func (s *oneShotSession) ID() string { return s.id }

func (s *oneShotSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Send spawns the CLI in --print mode, feeds it the prompt on stdin, and
// streams its stream-json output until the process exits.
func (s *oneShotSession) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrSessionStopped
	}
	if s.cmd != nil {
		return nil, ErrTurnInFlight
	}

	cmd := exec.Command(s.command, printArgs(s.opts)...)
	if s.opts.WorkingDir != "" {
		cmd.Dir = s.opts.WorkingDir
	}
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.command, err)
	}
	s.cmd = cmd

	s.logger.Debug("one-shot turn started",
		zap.String("session_id", s.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", s.opts.Model))

	// Prompt goes in whole, then EOF tells the CLI to respond.
	go func() {
		defer stdin.Close()
		_, _ = io.WriteString(stdin, prompt)
	}()

	events := make(chan Event, 64)
	go s.pump(ctx, cmd, stdout, stderr, events)
	return events, nil
}

// pump relays stream-json lines to the event channel, reaps the process,
// and synthesizes a process_died result when the CLI exits without one.
func (s *oneShotSession) pump(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.ReadCloser, events chan<- Event) {
	defer close(events)

	// Keep the last stderr line for the failure message.
	stderrCh := make(chan string, 1)
	go func() {
		var last string
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			last = sc.Text()
			s.logger.Debug("claude stderr", zap.String("session_id", s.id), zap.String("line", last))
		}
		stderrCh <- last
	}()

	// Kill the whole process group if the turn is abandoned mid-stream.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = killProcessGroup(cmd)
		case <-waitDone:
		}
	}()

	sawTerminal := false
	delivering := true
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			s.logger.Debug("skipping unparseable output line",
				zap.String("session_id", s.id), zap.Error(err))
			continue
		}
		if ev.Sidechain() {
			continue
		}
		if ev.Terminal() {
			sawTerminal = true
		}
		if delivering {
			select {
			case events <- ev:
			case <-ctx.Done():
				// Receiver is gone; keep draining so Wait can finish.
				delivering = false
			}
		}
	}

	waitErr := cmd.Wait()
	close(waitDone)
	stderrTail := <-stderrCh

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	if sawTerminal || !delivering {
		return
	}

	reason := "claude process exited before producing a result"
	if waitErr != nil {
		reason = fmt.Sprintf("claude process died: %v", waitErr)
	}
	if stderrTail != "" {
		reason += ": " + stderrTail
	}
	select {
	case events <- syntheticResult(SubtypeProcessDied, reason, true):
	case <-ctx.Done():
	}
}

// Interrupt kills the in-flight process group. A no-op between turns.
func (s *oneShotSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	return killProcessGroup(s.cmd)
}

// Stop marks the session unusable and kills any in-flight process.
func (s *oneShotSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.cmd != nil {
		return killProcessGroup(s.cmd)
	}
	return nil
}

var _ Session = (*oneShotSession)(nil)
