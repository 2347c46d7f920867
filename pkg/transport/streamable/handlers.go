package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ajitpratap0/mcp-host-go/pkg/dispatcher"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/session"
	"github.com/ajitpratap0/mcp-host-go/pkg/sse"
)

// peeked is what POST needs to know about a message before dispatching it.
type peeked struct {
	method       string
	notification bool
	parsed       bool
}

func peek(body []byte) peeked {
	env, err := protocol.ParseEnvelope(body)
	if err != nil {
		return peeked{}
	}
	p := peeked{parsed: true, notification: !env.HasID()}
	_ = json.Unmarshal(env.Method, &p.method)
	return p
}

func isInitializedNotification(method string) bool {
	return method == protocol.MethodNotificationInitialized || method == protocol.MethodInitialized
}

// isErrorResponse reports whether a serialized response carries an error.
func isErrorResponse(resp []byte) bool {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	return json.Unmarshal(resp, &probe) == nil && len(probe.Error) > 0 && string(probe.Error) != "null"
}

func (t *Transport) reject(w http.ResponseWriter, r *http.Request, status int, msg string) {
	t.logger.WithContext(r.Context()).Debug("Request rejected",
		logging.String("http_method", r.Method),
		logging.Int("status", status),
		logging.String("reason", msg),
		logging.String("session_id", r.Header.Get(HeaderSessionID)))
	http.Error(w, msg, status)
}

func (t *Transport) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	if originAllowed(r.Header.Get("Origin"), t.config.AllowedOrigins) {
		return true
	}
	t.logger.Warn("Rejected request from foreign origin",
		logging.String("origin", r.Header.Get("Origin")),
		logging.String("remote_addr", r.RemoteAddr))
	http.Error(w, "Origin not allowed", http.StatusForbidden)
	return false
}

// requireSession checks the session header: 400 when missing, 404 when
// unknown or expired.
func (t *Transport) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		t.reject(w, r, http.StatusBadRequest, "Missing Mcp-Session-Id header")
		return "", false
	}
	if !t.sessions.Validate(id) {
		t.reject(w, r, http.StatusNotFound, "Session not found or expired")
		return "", false
	}
	return id, true
}

func (t *Transport) messageContext(ctx context.Context, sessionID string) context.Context {
	ctx = dispatcher.ContextWithTransport(ctx, dispatcher.TransportHTTP)
	return logging.ContextWithSessionID(ctx, sessionID)
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	if !t.checkOrigin(w, r) {
		return
	}
	if !acceptsAny(r.Header.Get("Accept"), contentTypeJSON, contentTypeSSE) {
		t.reject(w, r, http.StatusNotAcceptable, "Accept must include application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.reject(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		t.reject(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}

	msg := peek(body)
	if !msg.parsed {
		// Unparseable bodies never reach a session; the client still gets
		// a JSON-RPC parse error to explain the 400.
		resp, _ := t.dispatcher.Dispatch(t.messageContext(r.Context(), ""), body)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var sessionID string
	created := false
	if msg.method == protocol.MethodInitialize && !msg.notification {
		sessionID, err = t.sessions.Create()
		if err != nil {
			t.logger.Error("Failed to create session", logging.ErrorField(err))
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		created = true
	} else {
		var ok bool
		if sessionID, ok = t.requireSession(w, r); !ok {
			return
		}
		t.sessions.Touch(sessionID)
	}

	resp, ok := t.dispatcher.Dispatch(t.messageContext(r.Context(), sessionID), body)
	if !ok {
		if isInitializedNotification(msg.method) {
			t.sessions.MarkInitialized(sessionID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	failed := isErrorResponse(resp)
	switch {
	case created && failed:
		// A failed handshake leaves nothing for the client to refer to.
		t.sessions.Terminate(sessionID)
		sessionID = ""
	case created:
		t.logger.Info("Session initialized", logging.String("session_id", sessionID))
	case !failed:
		t.sessions.MarkInitialized(sessionID)
	}

	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	if !t.checkOrigin(w, r) {
		return
	}
	if !acceptsEventStream(r.Header.Get("Accept")) {
		t.reject(w, r, http.StatusNotAcceptable, "Accept must include text/event-stream")
		return
	}
	sessionID, ok := t.requireSession(w, r)
	if !ok {
		return
	}
	sess, ok := t.sessions.Get(sessionID)
	if !ok {
		t.reject(w, r, http.StatusNotFound, "Session not found or expired")
		return
	}
	if !sess.Initialized() {
		t.reject(w, r, http.StatusBadRequest, "Session is not initialized")
		return
	}

	stream := sse.NewWriter(w)
	logger := t.logger.WithFields(
		logging.String("session_id", sessionID),
		logging.String("stream_id", stream.ID()))

	w.Header().Set(HeaderSessionID, sessionID)
	if err := stream.Initialize(); err != nil {
		logger.Warn("Failed to open event stream", logging.ErrorField(err))
		return
	}
	if !t.sessions.SetStream(sessionID, stream) {
		return
	}
	t.metrics.StreamOpened()
	logger.Debug("Event stream opened")
	defer func() {
		t.sessions.CloseStream(sessionID, stream)
		t.metrics.StreamClosed()
		logger.Debug("Event stream closed")
	}()

	t.serveStream(r.Context(), sess, stream, logger)
}

// serveStream keeps an event stream alive until the request ends, the
// session terminates or the stream is replaced or broken.
func (t *Transport) serveStream(ctx context.Context, sess *session.Session, stream *sse.Writer, logger logging.Logger) {
	if err := stream.WriteKeepAlive(); err != nil {
		return
	}
	if err := stream.WriteRetry(int(t.config.RetryInterval.Milliseconds())); err != nil {
		return
	}
	t.sessions.Touch(sess.ID)

	ticker := t.clock.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Context().Done():
			return
		case <-stream.Done():
			return
		case <-ticker.Chan():
			if err := stream.WriteKeepAlive(); err != nil {
				if !errors.Is(err, sse.ErrDisposed) {
					logger.Debug("Keep-alive failed", logging.ErrorField(err))
				}
				return
			}
			t.sessions.Touch(sess.ID)
		}
	}
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !t.checkOrigin(w, r) {
		return
	}
	sessionID, ok := t.requireSession(w, r)
	if !ok {
		return
	}
	if !t.sessions.Terminate(sessionID) {
		t.reject(w, r, http.StatusNotFound, "Session not found or expired")
		return
	}
	t.logger.Info("Session terminated by client", logging.String("session_id", sessionID))
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}
