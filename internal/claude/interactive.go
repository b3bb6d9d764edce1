package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stopGrace is how long Stop waits for the CLI to exit on its own after
// stdin closes before killing the process group.
const stopGrace = 5 * time.Second

// interruptRequest is the control message the CLI understands for
// aborting the in-flight turn.
var interruptRequest = []byte(`{"type":"control_request","request":{"type":"interrupt"}}` + "\n")

// interactiveSession keeps one CLI process alive across turns. Turns go
// in as stream-json user messages on stdin; a single reader goroutine
// routes output events to the current turn's channel.
type interactiveSession struct {
	mu         sync.Mutex
	id         string
	opts       SessionOptions
	logger     *zap.Logger
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	current    chan Event // channel of the in-flight turn, nil between turns
	alive      bool
	stderrTail string

	readers sync.WaitGroup
	doneCh  chan struct{} // closed once the process is reaped
}

// startInteractive launches the CLI in streaming-input mode.
func startInteractive(ctx context.Context, command string, opts SessionOptions, logger *zap.Logger) (*interactiveSession, error) {
	cmd := exec.Command(command, streamArgs(opts)...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
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
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	s := &interactiveSession{
		id:     opts.SessionID,
		opts:   opts,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		alive:  true,
		doneCh: make(chan struct{}),
	}

	logger.Info("interactive session started",
		zap.String("session_id", s.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", opts.Model),
		zap.Bool("resume", opts.Resume))

	s.readers.Add(2)
	go s.readStderr(stderr)
	go s.readStdout(stdout)
	go s.reap()

	return s, nil
}

func (s *interactiveSession) ID() string { return s.id }

func (s *interactiveSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Send writes the turn as a stream-json user message and returns the
// event channel for it. The ctx only covers submission; the caller
// abandons the stream by walking away, then interrupts or stops the
// session.
func (s *interactiveSession) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, ErrSessionDead
	}
	if s.current != nil {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	ch := make(chan Event, 64)
	s.current = ch
	stdin := s.stdin
	s.mu.Unlock()

	msg, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": prompt}},
		},
	})
	if err != nil {
		s.clearTurn(ch)
		return nil, fmt.Errorf("failed to encode turn: %w", err)
	}

	if _, err := stdin.Write(append(msg, '\n')); err != nil {
		s.clearTurn(ch)
		return nil, fmt.Errorf("failed to write turn to session stdin: %w", err)
	}
	return ch, nil
}

// clearTurn abandons a turn that failed to submit. The channel is closed
// only if the turn still owns it; otherwise whoever took it closes it.
func (s *interactiveSession) clearTurn(ch chan Event) {
	s.mu.Lock()
	owned := s.current == ch
	if owned {
		s.current = nil
	}
	s.mu.Unlock()
	if owned {
		close(ch)
	}
}

// readStdout routes parsed events to the in-flight turn. Events arriving
// between turns (init banners, late stragglers) are dropped.
func (s *interactiveSession) readStdout(stdout io.ReadCloser) {
	defer s.readers.Done()
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
		s.deliver(ev)
	}
}

// deliver hands an event to the current turn. Sends never block the
// reader: an abandoned turn's full buffer drops events instead of
// wedging the session.
func (s *interactiveSession) deliver(ev Event) {
	s.mu.Lock()
	ch := s.current
	if ev.Terminal() {
		s.current = nil
	}
	s.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		s.logger.Warn("dropping event for stalled turn",
			zap.String("session_id", s.id), zap.String("type", ev.Type))
	}
	if ev.Terminal() {
		close(ch)
	}
}

func (s *interactiveSession) readStderr(stderr io.ReadCloser) {
	defer s.readers.Done()
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Debug("claude stderr", zap.String("session_id", s.id), zap.String("line", line))
		s.mu.Lock()
		s.stderrTail = line
		s.mu.Unlock()
	}
}

// reap waits for the process to exit, then fails any turn still in
// flight with a synthetic process_died result.
func (s *interactiveSession) reap() {
	s.readers.Wait()
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	s.alive = false
	ch := s.current
	s.current = nil
	tail := s.stderrTail
	s.mu.Unlock()

	if ch != nil {
		reason := "claude process died mid-turn"
		if waitErr != nil {
			reason = fmt.Sprintf("claude process died mid-turn: %v", waitErr)
		}
		if tail != "" {
			reason += ": " + tail
		}
		select {
		case ch <- syntheticResult(SubtypeProcessDied, reason, true):
		default:
		}
		close(ch)
	}

	s.logger.Info("interactive session exited",
		zap.String("session_id", s.id), zap.Error(waitErr))
	close(s.doneCh)
}

// Interrupt sends the CLI a control_request to abort the current turn.
func (s *interactiveSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return ErrSessionDead
	}
	if _, err := s.stdin.Write(interruptRequest); err != nil {
		return fmt.Errorf("failed to send interrupt: %w", err)
	}
	s.logger.Info("interrupt sent", zap.String("session_id", s.id))
	return nil
}

// Stop closes stdin so the CLI can exit cleanly, then kills the process
// group if it lingers.
func (s *interactiveSession) Stop() error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		// Already reaped; nothing to reclaim.
		return nil
	}
	stdin := s.stdin
	s.mu.Unlock()

	_ = stdin.Close()

	select {
	case <-s.doneCh:
		return nil
	case <-time.After(stopGrace):
	}

	s.logger.Warn("session did not exit after stdin close, killing process group",
		zap.String("session_id", s.id))
	if err := killProcessGroup(s.cmd); err != nil {
		return err
	}
	<-s.doneCh
	return nil
}

var _ Session = (*interactiveSession)(nil)
