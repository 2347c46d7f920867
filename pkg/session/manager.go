package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/observability"
)

// DefaultSweepInterval is how often idle sessions are reclaimed.
const DefaultSweepInterval = 30 * time.Second

// idBytes is the number of random bytes in a session id.
const idBytes = 32

// Manager is a concurrent table of sessions.
type Manager struct {
	clock         clockwork.Clock
	timeout       time.Duration
	sweepInterval time.Duration
	logger        logging.Logger
	metrics       *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	root     context.Context

	subMu       sync.RWMutex
	subscribers []func(id string)

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithTimeout expires sessions idle for longer than d. Zero disables
// expiry and the sweep loop.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithSweepInterval sets how often the sweep loop runs
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithClock replaces the wall clock, for tests
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics tracks active and terminated sessions
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates an empty manager. The sweep loop does not run until
// Start.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:         clockwork.NewRealClock(),
		sweepInterval: DefaultSweepInterval,
		logger:        logging.NewNop(),
		sessions:      make(map[string]*Session),
		root:          context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	m.logger = m.logger.WithFields(logging.String("component", "session"))
	return m
}

// Timeout returns the idle timeout, zero when sessions never expire.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create adds a new uninitialized session and returns its id, 64 hex
// characters.
func (m *Manager) Create() (string, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		var err error
		if id, err = newID(); err != nil {
			return "", err
		}
		if _, taken := m.sessions[id]; !taken {
			break
		}
	}

	ctx, cancel := context.WithCancel(m.root)
	m.sessions[id] = &Session{
		ID:           id,
		CreatedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
	}
	m.metrics.SessionOpened()
	m.logger.Debug("Session created", logging.String("session_id", id))
	return id, nil
}

// Get returns the session with id, without checking expiry.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Validate reports whether id names a live session. A session idle for
// longer than the timeout is terminated here and reported invalid.
func (m *Manager) Validate(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	if m.expired(s, m.clock.Now()) {
		m.remove(id, ReasonExpired, func(s *Session) bool { return m.expired(s, m.clock.Now()) })
		return false
	}
	return true
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	return m.timeout > 0 && s.idleSince(now) > m.timeout
}

// Touch records activity on id. Unknown ids are ignored.
func (m *Manager) Touch(id string) {
	if s, ok := m.Get(id); ok {
		s.touch(m.clock.Now())
	}
}

// MarkInitialized records that the client completed the handshake.
func (m *Manager) MarkInitialized(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.markInitialized()
	return true
}

// SetStream makes w the session's stream, disposing any previous one. It
// returns false, and closes w, when the session does not exist.
func (m *Manager) SetStream(id string, w Stream) bool {
	s, ok := m.Get(id)
	if !ok {
		_ = w.Close()
		return false
	}
	return s.replaceStream(w)
}

// CloseStream disposes w if it is still the session's stream. A stream
// that was already replaced leaves the session untouched.
func (m *Manager) CloseStream(id string, w Stream) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return s.clearStream(w)
}

// OnTerminated registers fn to be called with the id of every terminated
// session. Callbacks run synchronously after the session is removed.
func (m *Manager) OnTerminated(fn func(id string)) {
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subMu.Unlock()
}

// Terminate removes the session, disposes its stream and cancels its
// context. It returns false if id is unknown.
func (m *Manager) Terminate(id string) bool {
	return m.remove(id, ReasonDeleted, nil)
}

// TerminateAll terminates every session and returns how many there were.
func (m *Manager) TerminateAll() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.remove(id, ReasonShutdown, nil) {
			n++
		}
	}
	return n
}

// remove deletes id when cond, if given, still holds under the table lock.
func (m *Manager) remove(id, reason string, cond func(*Session) bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || (cond != nil && !cond(s)) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.dispose()
	m.metrics.SessionTerminated(reason)
	m.logger.Debug("Session terminated",
		logging.String("session_id", id),
		logging.String("reason", reason))

	m.subMu.RLock()
	subs := append([]func(string){}, m.subscribers...)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(id)
	}
	return true
}

// Sweep terminates every session idle for longer than the timeout and
// returns how many it removed.
func (m *Manager) Sweep() int {
	if m.timeout <= 0 {
		return 0
	}
	now := m.clock.Now()

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if m.expired(s, now) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if m.remove(id, ReasonExpired, func(s *Session) bool { return m.expired(s, m.clock.Now()) }) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Swept idle sessions", logging.Int("count", n))
	}
	return n
}

// Start makes ctx the parent of sessions created from now on and, when a
// timeout is set, starts the sweep loop. Starting twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.root = ctx
	m.mu.Unlock()

	if m.timeout <= 0 {
		return
	}

	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepCancel != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.sweepCancel, m.sweepDone = cancel, done

	// Created here so that a fake clock sees the ticker once Start returns.
	ticker := m.clock.NewTicker(m.sweepInterval)
	go m.sweepLoop(sweepCtx, ticker, done)

	m.logger.Debug("Session sweep started",
		logging.Duration("timeout", m.timeout),
		logging.Duration("interval", m.sweepInterval))
}

func (m *Manager) sweepLoop(ctx context.Context, ticker clockwork.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the sweep loop. Sessions are left alone; use TerminateAll.
func (m *Manager) Stop() {
	m.sweepMu.Lock()
	cancel, done := m.sweepCancel, m.sweepDone
	m.sweepCancel, m.sweepDone = nil, nil
	m.sweepMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
