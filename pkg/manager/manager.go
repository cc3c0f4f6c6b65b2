// Package manager implements the orchestrator loop: it admits at most one
// session at a time, relays worker statuses to the front-end and supervises
// the liveness of both the worker and the front-end.
//
// The loop is single-threaded. Its only suspension point is a bounded receive
// on the inbox, so process liveness is re-checked at least once per
// MessageCheckInterval.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/metrics"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

// ErrFrontendExited is returned by Run when the front-end goes away.
var ErrFrontendExited = errors.New("front-end exited unexpectedly")

// statusNotStarted is the last known status of a session whose worker has
// not reported yet.
const statusNotStarted protocol.StatusValue = "not started"

// drainStep is how long each wait for a dead worker's output lasts before the
// inbox is drained again.
const drainStep = 10 * time.Millisecond

// Frontend receives relayed statuses.
type Frontend interface {
	Send(st protocol.Status) error
	// Alive reports whether the front-end can still issue commands.
	Alive() bool
}

// Session is the manager's handle on a worker; *runner.Process satisfies it.
type Session interface {
	SetBreak(stage string) error
	IsAlive() bool
	ExitCode() (int, bool)
	Stop(discardBreak bool) error
	Join(ctx context.Context) error
	WaitOutput(timeout time.Duration) bool
	Close()
}

// SpawnFunc starts a worker for a new session. Worker messages must be sent
// to inbox.
type SpawnFunc func(ctx context.Context, inbox chan<- protocol.Message, session, config, firstBreak string) (Session, error)

// Options configures a Manager.
type Options struct {
	MessageCheckInterval time.Duration
	// JoinTimeout bounds the wait for a worker that reported a terminal
	// status; it is stopped forcefully afterwards.
	JoinTimeout time.Duration
	// DrainTimeout bounds the wait for a dead worker's output to be read.
	DrainTimeout time.Duration
	// Inbox is the shared inbound queue; one of InboxSize is made if nil.
	Inbox     chan protocol.Message
	InboxSize int
	Spawn     SpawnFunc
	Frontend  Frontend
	Metrics   *metrics.Manager
	Logger    log.FieldLogger
}

type activeSession struct {
	id         string
	handle     Session
	lastStatus protocol.StatusValue
	lastStage  string
	lastBreak  string
}

// Manager is the orchestrator. Only Inbox may be used concurrently with Run.
type Manager struct {
	opts    Options
	log     log.FieldLogger
	metrics *metrics.Manager
	inbox   chan protocol.Message
	session *activeSession
}

// New returns a manager; defaults are filled in for zero durations.
func New(opts Options) *Manager {
	if opts.MessageCheckInterval <= 0 {
		opts.MessageCheckInterval = time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.Inbox == nil {
		opts.Inbox = make(chan protocol.Message, opts.InboxSize)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NullLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewManager(nil)
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		inbox:   opts.Inbox,
	}
}

// Inbox is the shared inbound queue for front-end commands and worker
// statuses.
func (m *Manager) Inbox() chan<- protocol.Message { return m.inbox }

// ActiveSession returns the admitted session id, or "".
func (m *Manager) ActiveSession() string {
	if m.session == nil {
		return ""
	}
	return m.session.id
}

// Run processes messages until ctx is done or the front-end exits. In both
// cases an active worker is terminated and joined first.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("Manager started")
	timer := time.NewTimer(m.opts.MessageCheckInterval)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			m.log.Info("Manager interrupted, terminating")
			m.terminate()
			return err
		}
		if m.session != nil && !m.session.handle.IsAlive() {
			m.handleWorkerExit(ctx)
		}
		if !m.opts.Frontend.Alive() {
			m.log.Error("Front-end died unexpectedly")
			m.terminate()
			return ErrFrontendExited
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.opts.MessageCheckInterval)

		select {
		case msg := <-m.inbox:
			m.handle(ctx, msg)
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindCommand:
		m.log.Infof("Received command %s for session %s", msg.Command.Cmd, msg.Command.Session)
		m.handleCommand(ctx, *msg.Command)
	case protocol.KindStatus:
		m.log.Debugf("Received status %s at %s", msg.Status.Status, msg.Status.CurrentStage)
		m.handleStatus(*msg.Status)
	default:
		m.log.Error("Strange message (not a command and not a status)")
		m.metrics.ProtocolErrors.WithLabelValues("unknown_kind").Inc()
	}
}

func (m *Manager) handleCommand(ctx context.Context, cmd protocol.Command) {
	switch cmd.Cmd {
	case protocol.CmdStop:
		m.handleStop(cmd)
	case protocol.CmdRun, protocol.CmdNewSession:
		if m.session != nil {
			m.handleSetBreak(cmd)
		} else {
			m.handleNewSession(ctx, cmd)
		}
	default:
		m.log.Errorf("Unknown command: %s", cmd.Cmd)
		m.metrics.ProtocolErrors.WithLabelValues("unknown_command").Inc()
	}
}

func (m *Manager) handleStop(cmd protocol.Command) {
	if m.session == nil || cmd.Session != m.session.id {
		m.log.Errorf("Can stop only current session (requested %s, current %q)", cmd.Session, m.ActiveSession())
		m.metrics.ProtocolErrors.WithLabelValues("stop_other_session").Inc()
		return
	}
	if err := m.session.handle.Stop(false); err != nil {
		m.log.WithError(err).Error("Failed to interrupt worker")
	}
}

func (m *Manager) handleSetBreak(cmd protocol.Command) {
	if cmd.Session != m.session.id {
		m.log.Errorf("Session %s requested while %s is running", cmd.Session, m.session.id)
		m.metrics.ProtocolErrors.WithLabelValues("session_busy").Inc()
		m.send(protocol.Status{
			Status:  protocol.StatusFailed,
			Session: cmd.Session,
			Break:   cmd.Break,
			Reason:  fmt.Sprintf("Another session is already running: %s", m.session.id),
		})
		return
	}
	if cmd.Break == "" {
		m.log.Errorf("Received %s command without break for session %s", cmd.Cmd, cmd.Session)
		m.metrics.ProtocolErrors.WithLabelValues("missing_break").Inc()
		return
	}
	if err := m.session.handle.SetBreak(cmd.Break); err != nil {
		m.log.WithError(err).Error("Failed to send breakpoint to worker")
	}
}

func (m *Manager) handleNewSession(ctx context.Context, cmd protocol.Command) {
	if cmd.Config == "" || cmd.Break == "" {
		m.log.Errorf("Not enough data to start new session %s: both config and break should be present", cmd.Session)
		m.metrics.ProtocolErrors.WithLabelValues("incomplete_new_session").Inc()
		return
	}

	handle, err := m.opts.Spawn(ctx, m.inbox, cmd.Session, cmd.Config, cmd.Break)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.log.Infof("Start of session %s interrupted", cmd.Session)
			return
		}
		m.log.WithError(err).Errorf("Failed to start session %s", cmd.Session)
		m.metrics.StartFailures.Inc()
		m.send(protocol.Status{
			Status:  protocol.StatusFailed,
			Session: cmd.Session,
			Break:   cmd.Break,
			Reason:  "Failed to start tank: " + err.Error(),
		})
		return
	}

	m.session = &activeSession{
		id:         cmd.Session,
		handle:     handle,
		lastStatus: statusNotStarted,
		lastBreak:  cmd.Break,
	}
	m.metrics.SessionsStarted.Inc()
	m.metrics.ActiveSession.Set(1)
	m.log.Infof("Session %s started with break %s", cmd.Session, cmd.Break)
}

// handleStatus relays st and, on the session's first terminal status, joins
// the worker and clears the session.
func (m *Manager) handleStatus(st protocol.Status) {
	m.send(st)

	s := m.session
	if s == nil || (st.Session != "" && st.Session != s.id) {
		return
	}
	previous := s.lastStatus
	s.lastStatus = st.Status
	if st.CurrentStage != "" {
		s.lastStage = st.CurrentStage
	}
	if st.Break != "" {
		s.lastBreak = st.Break
	}
	if previous.Terminal() || !st.Status.Terminal() {
		return
	}

	m.log.Infof("Session %s finished with status %s, waiting for worker exit", s.id, st.Status)
	m.metrics.SessionsFinished.WithLabelValues(string(st.Status)).Inc()
	m.join(s.handle)
	m.clear()
}

// handleWorkerExit runs when the active worker is found dead. Messages it
// managed to send are handled first; if that does not end the session, a
// failed status is synthesized for it.
func (m *Manager) handleWorkerExit(ctx context.Context) {
	s := m.session
	m.log.Info("Tank exited, handling remaining messages")
	deadline := time.Now().Add(m.opts.DrainTimeout)
	for !s.handle.WaitOutput(min(drainStep, time.Until(deadline))) {
		// The reader may be blocked on a full inbox.
		m.drain(ctx)
		if m.session != s {
			return
		}
		if !time.Now().Before(deadline) {
			m.log.Warn("Worker output was not fully read before the drain timeout")
			break
		}
	}
	m.drain(ctx)

	if m.session != s {
		return
	}
	code, _ := s.handle.ExitCode()
	if s.lastStatus == protocol.StatusRunning || code != 0 {
		m.log.Errorf("Tank died unexpectedly with exit code %d", code)
		m.metrics.UnexpectedExits.Inc()
		m.metrics.SessionsFinished.WithLabelValues(string(protocol.StatusFailed)).Inc()
		m.send(protocol.Status{
			Status:       protocol.StatusFailed,
			Session:      s.id,
			CurrentStage: s.lastStage,
			Break:        s.lastBreak,
			Reason: fmt.Sprintf("Tank died unexpectedly. Last reported status: %s, worker exitcode: %d",
				s.lastStatus, code),
		})
	}
	s.handle.Close()
	m.clear()
}

// drain handles every message queued right now without waiting for more.
func (m *Manager) drain(ctx context.Context) {
	for {
		select {
		case msg := <-m.inbox:
			m.handle(ctx, msg)
		default:
			return
		}
	}
}

func (m *Manager) join(handle Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.JoinTimeout)
	defer cancel()
	if err := handle.Join(ctx); err != nil {
		m.log.WithError(err).Warn("Worker did not exit in time, terminating it")
		if err := handle.Stop(true); err != nil {
			m.log.WithError(err).Error("Failed to terminate worker")
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.JoinTimeout)
		defer cancel()
		if err := handle.Join(ctx); err != nil {
			m.log.WithError(err).Error("Worker still running after terminate")
		}
	}
	handle.Close()
}

// terminate stops an active worker forcefully, discarding its breakpoint,
// and joins it.
func (m *Manager) terminate() {
	if m.session == nil {
		return
	}
	m.log.Warnf("Stopping tank for session %s", m.session.id)
	if err := m.session.handle.Stop(true); err != nil {
		m.log.WithError(err).Error("Failed to terminate worker")
	}
	m.join(m.session.handle)
	m.clear()
}

func (m *Manager) clear() {
	m.log.Info("Resetting current session variables")
	m.session = nil
	m.metrics.ActiveSession.Set(0)
}

func (m *Manager) send(st protocol.Status) {
	if err := m.opts.Frontend.Send(st); err != nil {
		m.log.WithError(err).Error("Failed to relay status to front-end")
		return
	}
	m.metrics.StatusesRelayed.Inc()
}
