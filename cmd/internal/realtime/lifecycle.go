package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrEmptyIdentity is returned when a session is opened without an identity.
var ErrEmptyIdentity = errors.New("realtime: empty identity")

// SessionState is the lifecycle state of one session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Announcer broadcasts system notices.
type Announcer interface {
	Announce(ctx context.Context, text string)
}

// Lifecycle opens and closes sessions against a registry.
//
// A second session for an identity replaces the first: the replaced handle is
// closed, and the replaced session's eventual Close neither evicts the new
// entry nor announces a leave.
type Lifecycle struct {
	log      *slog.Logger
	reg      ConnectionRegistry
	announce Announcer
	metrics  *Metrics
	count    func() int
}

// NewLifecycle constructs a Lifecycle. m may be nil.
func NewLifecycle(log *slog.Logger, reg ConnectionRegistry, announce Announcer, m *Metrics) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{log: log, reg: reg, announce: announce, metrics: m}
	if r, ok := reg.(interface{ Len() int }); ok {
		l.count = r.Len
	}
	return l
}

// Session is one identity's registration, from Open to Close.
type Session struct {
	lc       *Lifecycle
	identity string
	handle   Handle

	state     atomic.Int32
	closeOnce sync.Once
}

// Open registers h under identity and announces the join.
func (l *Lifecycle) Open(ctx context.Context, identity string, h Handle) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if h == nil {
		return nil, errors.New("realtime: nil handle")
	}

	s := &Session{lc: l, identity: identity, handle: h}
	s.state.Store(int32(StateConnecting))

	if prev := l.reg.Register(identity, h); prev != nil && prev != h {
		l.log.Info("session.replaced", "identity", identity)
		prev.Close()
	}
	s.state.Store(int32(StateOpen))
	l.observe()

	l.log.Info("session.open", "identity", identity)
	l.announce.Announce(ctx, identity+" joined the chat")
	return s, nil
}

// Identity returns the session's identity.
func (s *Session) Identity() string { return s.identity }

// Handle returns the handle registered by Open.
func (s *Session) Handle() Handle { return s.handle }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Close releases the registration and announces the leave. Only the first
// call has any effect.
func (s *Session) Close(ctx context.Context) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		l := s.lc
		if !l.reg.Release(s.identity, s.handle) {
			l.log.Info("session.close.superseded", "identity", s.identity)
			return
		}
		l.observe()

		l.log.Info("session.close", "identity", s.identity)
		l.announce.Announce(ctx, s.identity+" left the chat")
	})
}

func (l *Lifecycle) observe() {
	if l.count != nil {
		l.metrics.setConnections(l.count())
	}
}
