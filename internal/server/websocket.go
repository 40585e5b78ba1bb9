// Package server implements the core's two external entry points: the C7
// WebSocket server that accepts browser-widget and telephony-media-stream
// upgrades, and the messenger webhook HTTP handler that accepts a
// WhatsApp-style connect/terminate/media envelope.
package server

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/internal/transport"
)

// Close codes for the widget/telephony upgrade paths, per spec §4.7/§6.
const (
	closeMissingSessionID     = 4000
	closeSessionNotFound      = 4001
	closeSessionAlreadyActive = 4002
)

// WebSocketServer accepts the H1 (browser widget) and H2 (telephony media
// stream) transport upgrades described in spec §4.7. Each upgrade is
// resolved against the session manager, wrapped in the matching
// [transport.Handler] variant, and handed to the runner on its first
// callStarted event.
//
// Grounded on spec §4.7/§6 and the teacher's networking layer's
// accept-and-dispatch HTTP handler shape, adapted from the teacher's single
// gateway endpoint to this package's two upgrade paths.
type WebSocketServer struct {
	sessions *call.Manager
	runner   *call.Runner

	providerInputRate func(chatbotID string) (inputRate, outputRate int)
}

// NewWebSocketServer constructs a [WebSocketServer]. providerRates resolves
// a session's bound provider's audio rates (input rate by variant, output
// always 24000) for the H2 handler's resampling; it is supplied by main
// from the same chatbot configuration the runner itself consults.
func NewWebSocketServer(sessions *call.Manager, runner *call.Runner, providerRates func(chatbotID string) (int, int)) *WebSocketServer {
	return &WebSocketServer{sessions: sessions, runner: runner, providerInputRate: providerRates}
}

// Register adds the widget and telephony upgrade routes to mux.
func (s *WebSocketServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/widget/call/ws", s.handleWeb)
	mux.HandleFunc("GET /api/widget/call/twilio/stream", s.handleTelephony)
}

// resolveSession implements spec §4.7 steps 1-3: missing sessionId, unknown
// session, and duplicate-connection are each rejected with their own close
// code before the upgrade handshake completes its accept.
func (s *WebSocketServer) resolveSession(w http.ResponseWriter, r *http.Request) (call.Session, *websocket.Conn, bool) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		conn, err := websocket.Accept(w, r, nil)
		if err == nil {
			conn.Close(websocket.StatusCode(closeMissingSessionID), "Missing sessionId")
		}
		return call.Session{}, nil, false
	}

	session, ok := s.sessions.GetSession(sessionID)
	if !ok {
		conn, err := websocket.Accept(w, r, nil)
		if err == nil {
			conn.Close(websocket.StatusCode(closeSessionNotFound), "Session not found")
		}
		return call.Session{}, nil, false
	}

	if s.runner.HasBinding(sessionID) {
		conn, err := websocket.Accept(w, r, nil)
		if err == nil {
			conn.Close(websocket.StatusCode(closeSessionAlreadyActive), "Session already connected")
		}
		return call.Session{}, nil, false
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return call.Session{}, nil, false
	}
	return session, conn, true
}

func (s *WebSocketServer) handleWeb(w http.ResponseWriter, r *http.Request) {
	session, conn, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	h := transport.NewWebHandler(conn, session.SessionID, session.CallID)
	s.run(r, session.SessionID, h)
}

func (s *WebSocketServer) handleTelephony(w http.ResponseWriter, r *http.Request) {
	session, conn, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	inputRate, outputRate := 24000, 24000
	if s.providerInputRate != nil {
		inputRate, outputRate = s.providerInputRate(session.ChatbotID)
	}
	h := transport.NewTelephonyHandler(conn, session.SessionID, session.CallID, inputRate, outputRate)
	s.run(r, session.SessionID, h)
}

// run starts handler's read loop and waits for its first callStarted event
// to bind it to the runner (spec §4.7 step 4). Once bound, the runner's own
// pumpHandlerEvents goroutine becomes the channel's sole consumer, so this
// function reads no further events after handoff — only one goroutine may
// ever drain a handler's event channel at a time.
func (s *WebSocketServer) run(r *http.Request, sessionID string, h call.Handler) {
	if err := h.Start(); err != nil {
		slog.Warn("websocket server: handler start failed", "session_id", sessionID, "err", err)
		return
	}

	for evt := range h.Events() {
		switch evt.Kind {
		case call.HandlerCallStarted:
			if err := s.runner.StartCall(r.Context(), sessionID, h); err != nil {
				slog.Warn("websocket server: start call failed", "session_id", sessionID, "err", err)
				_ = h.End("internal error")
			}
			return
		case call.HandlerCallEnded:
			_ = h.End(evt.Reason)
			return
		case call.HandlerError:
			slog.Warn("websocket server: handler error before call start", "session_id", sessionID, "err", evt.Err)
		}
	}
}
