// Package sse writes Server-Sent Events to an open HTTP response.
//
// A Writer owns one response stream. Frames are encoded with go-sse and
// flushed immediately. The first failed write, or a call to Close, disposes
// the writer for good: every later write returns an error and Done is
// closed so the goroutine serving the stream can return.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gosse "github.com/tmaxmax/go-sse"
)

// ErrDisposed is returned by writes on a closed or failed writer.
var ErrDisposed = errors.New("sse: stream is disposed")

// EventTypeMessage is the event type used for JSON-RPC messages.
const EventTypeMessage = "message"

// Writer frames events onto a single response. It is safe for concurrent
// use; writes are serialized.
type Writer struct {
	id  string
	w   http.ResponseWriter
	rc  *http.ResponseController
	mu  sync.Mutex
	seq uint64

	initialized bool
	disposed    atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
}

// NewWriter wraps w. Nothing is written until Initialize or the first event.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{
		id:   uuid.NewString(),
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

// ID identifies the stream in logs.
func (sw *Writer) ID() string {
	return sw.id
}

// Initialize sends the event-stream headers and a 200 status. Calls after
// the first are no-ops.
func (sw *Writer) Initialize() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.initializeLocked()
}

func (sw *Writer) initializeLocked() error {
	if sw.disposed.Load() {
		return ErrDisposed
	}
	if sw.initialized {
		return nil
	}
	sw.initialized = true

	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	return sw.flushLocked()
}

// WriteEvent writes one event. Multi-line data becomes one data field per
// line. Empty id and eventType are omitted. The host's GET stream only
// sends keep-alives today; server-pushed messages go out through here.
func (sw *Writer) WriteEvent(data, id, eventType string) error {
	msg := &gosse.Message{}
	if id != "" {
		eid, err := gosse.NewID(id)
		if err != nil {
			return err
		}
		msg.ID = eid
	}
	if eventType != "" {
		et, err := gosse.NewType(eventType)
		if err != nil {
			return err
		}
		msg.Type = et
	}
	msg.AppendData(data)
	return sw.write(msg)
}

// WriteMessage writes a JSON-RPC message as a "message" event. With
// generateID the event gets the next id from the writer's counter.
func (sw *Writer) WriteMessage(jsonText string, generateID bool) error {
	var id string
	if generateID {
		id = strconv.FormatUint(atomic.AddUint64(&sw.seq, 1), 10)
	}
	return sw.WriteEvent(jsonText, id, EventTypeMessage)
}

// WriteKeepAlive writes a comment line that clients ignore.
func (sw *Writer) WriteKeepAlive() error {
	msg := &gosse.Message{}
	msg.AppendComment("keepalive")
	return sw.write(msg)
}

// WriteRetry tells the client how long to wait before reconnecting.
func (sw *Writer) WriteRetry(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("sse: retry must be positive, got %d", ms)
	}
	return sw.write(&gosse.Message{Retry: time.Duration(ms) * time.Millisecond})
}

func (sw *Writer) write(msg *gosse.Message) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := sw.initializeLocked(); err != nil {
		return err
	}
	if _, err := msg.WriteTo(sw.w); err != nil {
		sw.dispose()
		return fmt.Errorf("sse: write failed: %w", err)
	}
	return sw.flushLocked()
}

func (sw *Writer) flushLocked() error {
	if err := sw.rc.Flush(); err != nil {
		sw.dispose()
		return fmt.Errorf("sse: flush failed: %w", err)
	}
	return nil
}

func (sw *Writer) dispose() {
	sw.disposed.Store(true)
	sw.closeOnce.Do(func() { close(sw.done) })
}

// Close disposes the writer without waiting for an in-flight write. It does
// not touch the response; the handler serving the stream returns when Done
// is closed.
func (sw *Writer) Close() error {
	sw.dispose()
	return nil
}

// Disposed reports whether the writer has been closed or has failed.
// Once true it stays true.
func (sw *Writer) Disposed() bool {
	return sw.disposed.Load()
}

// Done is closed when the writer is disposed.
func (sw *Writer) Done() <-chan struct{} {
	return sw.done
}
