package claude

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeRunner is an in-memory Runner for tests. Sessions replay a scripted
// event sequence per turn instead of spawning processes.
type FakeRunner struct {
	mu       sync.Mutex
	script   []Event
	delay    time.Duration
	startErr error
	started  int
	sessions []*FakeSession
}

// NewFakeRunner creates a fake whose sessions answer every turn with a
// single assistant message and a success result.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		script: []Event{
			NewAssistantEvent("ok"),
			NewResultEventWithUsage("ok", 10, 5),
		},
	}
}

// SetScript replaces the per-turn event sequence for sessions started
// after the call.
func (r *FakeRunner) SetScript(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = events
}

// SetEventDelay makes sessions pause between scripted events, for tests
// that need an in-flight turn to interrupt or time out.
func (r *FakeRunner) SetEventDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// SetStartErr makes Start fail until cleared with SetStartErr(nil).
func (r *FakeRunner) SetStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *FakeRunner) Start(ctx context.Context, opts SessionOptions) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	s := &FakeSession{
		id:     opts.SessionID,
		opts:   opts,
		script: append([]Event(nil), r.script...),
		delay:  r.delay,
		alive:  true,
	}
	r.started++
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *FakeRunner) Version(ctx context.Context) (string, error) {
	return "claude fake-1.0.0", nil
}

// StartedCount reports how many sessions were started.
func (r *FakeRunner) StartedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Sessions returns every session started so far, in order.
func (r *FakeRunner) Sessions() []*FakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeSession(nil), r.sessions...)
}

// FakeSession replays its script for each Send.
type FakeSession struct {
	mu          sync.Mutex
	id          string
	opts        SessionOptions
	script      []Event
	delay       time.Duration
	prompts     []string
	alive       bool
	inFlight    bool
	interrupted chan struct{} // per-turn, closed by Interrupt
	interrupts  int
	stops       int
	sendErr     error
	dieMidTurn  bool
}

func (s *FakeSession) ID() string { return s.id }

// Opts returns the options the session was started with.
func (s *FakeSession) Opts() SessionOptions { return s.opts }

// SetSendErr makes the next Send calls fail.
func (s *FakeSession) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetDieMidTurn makes the session die instead of delivering its terminal
// event, simulating a CLI crash.
func (s *FakeSession) SetDieMidTurn(die bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dieMidTurn = die
}

func (s *FakeSession) Send(ctx context.Context, prompt string) (<-chan Event, error) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, ErrSessionDead
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight = true
	s.prompts = append(s.prompts, prompt)
	s.interrupted = make(chan struct{})
	interrupted := s.interrupted
	script := s.script
	delay := s.delay
	die := s.dieMidTurn
	s.mu.Unlock()

	ch := make(chan Event, len(script)+1)
	go func() {
		defer close(ch)
		defer func() {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}()

		for _, ev := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				case <-interrupted:
					ch <- syntheticResult(SubtypeInterrupted, "interrupted", true)
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-interrupted:
				ch <- syntheticResult(SubtypeInterrupted, "interrupted", true)
				return
			default:
			}
			if die && ev.Terminal() {
				s.mu.Lock()
				s.alive = false
				s.mu.Unlock()
				ch <- syntheticResult(SubtypeProcessDied, "claude process died mid-turn", true)
				return
			}
			ch <- ev
		}
	}()
	return ch, nil
}

func (s *FakeSession) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	if s.interrupted != nil {
		select {
		case <-s.interrupted:
			// already closed
		default:
			close(s.interrupted)
		}
	}
	return nil
}

func (s *FakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *FakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	s.stops++
	return nil
}

// Prompts returns every prompt sent to this session.
func (s *FakeSession) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Interrupts reports how many times Interrupt was called.
func (s *FakeSession) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Stops reports how many times Stop was called.
func (s *FakeSession) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

var (
	_ Runner  = (*FakeRunner)(nil)
	_ Session = (*FakeSession)(nil)
)
