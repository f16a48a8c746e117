package bridge

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/monitoring"
	"github.com/orchardstore/orchard/internal/shared/id"
)

// SessionManager owns interactive package-manager sessions, keyed by the
// app they operate on. At most one live session per app; starting a second
// one kills the first so a stray prompt cannot be double-acknowledged.
type SessionManager struct {
	sessions sync.Map // appID -> *ptySession
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewSessionManager creates a session manager.
func NewSessionManager(metrics *monitoring.Metrics, logger *logging.Logger) *SessionManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionManager{logger: logger, metrics: metrics}
}

// ptySession is one live interactive subprocess attached to a PTY. Subscribers
// receive ordered output lines and a terminal exit event.
type ptySession struct {
	ID        id.SessionID
	AppID     string
	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx io.ReadWriteCloser

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
	exit    int
}

// Subscription is a cancellable handle on a session's event stream.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

// NewSubscription wraps an event channel in a subscription handle. Session
// implementations (and their fakes) use it to hand out streams.
func NewSubscription(ch <-chan Event, cancel func()) *Subscription {
	if cancel == nil {
		cancel = func() {}
	}
	return &Subscription{C: ch, cancel: cancel}
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Start launches command with args for appID. Any existing session for the
// same app is killed first.
func (m *SessionManager) Start(appID, command string, args ...string) (*ptySession, error) {
	if existing, ok := m.sessions.Load(appID); ok {
		existing.(*ptySession).kill()
		m.sessions.Delete(appID)
	}

	cmd := exec.Command(command, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting session for %s: %w", appID, err)
	}

	s := &ptySession{
		ID:        id.NewSessionID(),
		AppID:     appID,
		StartedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		subs:      make(map[int]chan Event),
	}

	m.sessions.Store(appID, s)
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}

	go s.readOutput()
	go m.monitor(s)

	m.logger.Debug("Interactive session started",
		zap.String("app_id", appID),
		zap.String("session_id", string(s.ID)))

	return s, nil
}

// Get returns the live session for appID, if any.
func (m *SessionManager) Get(appID string) (*ptySession, bool) {
	v, ok := m.sessions.Load(appID)
	if !ok {
		return nil, false
	}
	return v.(*ptySession), true
}

// Kill tears down the session for appID. Called when the owning view
// unmounts so interactive sessions are not orphaned.
func (m *SessionManager) Kill(appID string) error {
	v, ok := m.sessions.Load(appID)
	if !ok {
		return fmt.Errorf("no session for %s", appID)
	}
	m.sessions.Delete(appID)
	v.(*ptySession).kill()
	return nil
}

func (m *SessionManager) monitor(s *ptySession) {
	err := s.cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	s.finish(exitCode)
	s.ptmx.Close()

	m.sessions.CompareAndDelete(s.AppID, s)
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	m.logger.Debug("Interactive session exited",
		zap.String("app_id", s.AppID),
		zap.Int("exit_code", exitCode))
}

// Subscribe attaches a new subscriber. A session that already exited
// delivers only the exit event.
func (s *ptySession) Subscribe() *Subscription {
	ch := make(chan Event, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch <- Event{Type: EventExit, ExitCode: s.exit}
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}
	n := s.nextSub
	s.nextSub++
	s.subs[n] = ch
	s.mu.Unlock()

	return &Subscription{C: ch, cancel: func() {
		s.mu.Lock()
		if sub, ok := s.subs[n]; ok {
			delete(s.subs, n)
			close(sub)
		}
		s.mu.Unlock()
	}}
}

// Send writes input to the session's PTY.
func (s *ptySession) Send(text string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session for %s is closed", s.AppID)
	}
	_, err := io.WriteString(s.ptmx, text)
	return err
}

func (s *ptySession) readOutput() {
	scanner := bufio.NewScanner(s.ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		s.broadcast(Event{Type: EventOutput, Line: scanner.Text()})
	}
}

func (s *ptySession) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Drop for a lagging subscriber rather than stall the reader.
		}
	}
}

func (s *ptySession) finish(exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.exit = exitCode
	for n, ch := range s.subs {
		select {
		case ch <- Event{Type: EventExit, ExitCode: exitCode}:
		default:
		}
		close(ch)
		delete(s.subs, n)
	}
}

// Kill terminates the session's subprocess. Subscribers receive the exit
// event once the monitor observes the death.
func (s *ptySession) Kill() {
	s.kill()
}

func (s *ptySession) kill() {
	s.mu.Lock()
	alive := !s.closed && s.cmd.Process != nil
	s.mu.Unlock()
	if alive {
		_ = s.cmd.Process.Kill()
	}
}

// scanLines splits on both newline and carriage return so interactive
// progress output redrawn with \r still arrives line by line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			// Swallow the \n of a \r\n pair.
			if b == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if b == '\r' && i+1 == len(data) && !atEOF {
				// Wait to see whether a \n follows.
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
