// Package session keeps the server-side state of HTTP clients.
//
// A Manager owns every Session. Sessions are created by initialize, kept
// alive by activity and removed by an explicit DELETE, by idle expiry or on
// shutdown. Each session carries its own cancellation scope and at most one
// live event stream. The package has no transport dependency; streams are
// anything that can be closed.
package session

import (
	"context"
	"sync"
	"time"
)

// Stream is a live push channel owned by a session.
type Stream interface {
	Close() error
	Disposed() bool
}

// Termination reasons passed to OnTerminated subscribers and metrics.
const (
	ReasonDeleted  = "deleted"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Session is one logical HTTP client.
type Session struct {
	ID        string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	initialized  bool
	stream       Stream
	closed       bool
}

// Context is cancelled when the session terminates.
func (s *Session) Context() context.Context {
	return s.ctx
}

// LastActivity returns the time of the last touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Initialized reports whether the client finished the handshake.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Stream returns the current stream, or nil.
func (s *Session) Stream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// replaceStream installs w, closing the stream it displaces. On a
// terminated session w itself is closed and false returned.
func (s *Session) replaceStream(w Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = w.Close()
		return false
	}
	if prev := s.stream; prev != nil && prev != w {
		_ = prev.Close()
	}
	s.stream = w
	return true
}

// clearStream drops w if it is still the current stream.
func (s *Session) clearStream(w Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || s.stream != w {
		return false
	}
	_ = s.stream.Close()
	s.stream = nil
	return true
}

// dispose closes the stream and cancels the scope.
func (s *Session) dispose() {
	s.mu.Lock()
	s.closed = true
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.mu.Unlock()
	s.cancel()
}
