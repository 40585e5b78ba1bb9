package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callcore/internal/call"
)

var _ call.Handler = (*WebHandler)(nil)
var _ call.EscalationAware = (*WebHandler)(nil)

// inboundFrame is the JSON envelope every H1 frame from the widget arrives
// in, discriminated by Type.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type inboundAudioData struct {
	Audio string `json:"audio"`
}

// outboundFrame is the JSON envelope every H1 frame sent to the widget is
// wrapped in.
type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WebHandler is the H1 transport handler: a browser-widget WebSocket
// connection framed as JSON with a "type" discriminator. Audio passes
// through to the executor with no codec or rate conversion — the widget
// is expected to capture/play PCM16 at the provider's own rate.
//
// Grounded on spec §4.4 H1 and the teacher's internal/discord voice
// connection's JSON-over-websocket read loop shape, adapted from Discord's
// gateway opcodes to the widget's type-tagged call-control frames.
type WebHandler struct {
	base

	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWebHandler wraps an already-accepted widget WebSocket connection.
func NewWebHandler(conn *websocket.Conn, sessionID, callID string) *WebHandler {
	return &WebHandler{base: newBase(sessionID, callID), conn: conn}
}

// Start begins the read loop in a background goroutine and returns
// immediately; readiness is signalled by the first HandlerCallStarted event.
func (h *WebHandler) Start() error {
	go h.readLoop()
	return nil
}

func (h *WebHandler) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			if h.active.Load() {
				h.emit(call.HandlerEvent{Kind: call.HandlerCallEnded, Reason: "Client disconnected"})
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("web handler: malformed frame", "session_id", h.sessionID, "err", err)
			continue
		}

		switch frame.Type {
		case "start_call":
			h.active.Store(true)
			h.emit(call.HandlerEvent{Kind: call.HandlerCallStarted})
			h.send("call_started", map[string]string{"sessionId": h.sessionID, "callId": h.callID})

		case "audio_data":
			var ad inboundAudioData
			if err := json.Unmarshal(frame.Data, &ad); err != nil || ad.Audio == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ad.Audio)
			if err != nil || len(pcm) == 0 {
				continue
			}
			h.HandleAudio(pcm)

		case "end_call":
			h.emit(call.HandlerEvent{Kind: call.HandlerCallEnded, Reason: "User ended call"})
			return
		}
	}
}

// HandleAudio publishes the inbound PCM16 chunk, unconverted, as a
// HandlerAudioReceived event. Empty payloads are ignored.
func (h *WebHandler) HandleAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	h.emit(call.HandlerEvent{Kind: call.HandlerAudioReceived, Audio: chunk})
}

// SendAudio forwards one PCM16 chunk to the widget as an audio_response
// frame, base64-encoded. Silently dropped if the connection is not active.
func (h *WebHandler) SendAudio(pcm16 []byte) error {
	if !h.active.Load() {
		return nil
	}
	return h.send("audio_response", map[string]string{"audio": base64.StdEncoding.EncodeToString(pcm16)})
}

// End closes the websocket after sending a call_ended frame. Idempotent.
func (h *WebHandler) End(reason string) error {
	if !h.active.CompareAndSwap(true, false) {
		h.closeEvents()
		return nil
	}
	h.send("call_ended", map[string]any{
		"reason":    reason,
		"callId":    h.callID,
		"timestamp": time.Now().UnixMilli(),
	})
	err := h.conn.Close(websocket.StatusNormalClosure, reason)
	h.closeEvents()
	return err
}

func (h *WebHandler) HandleTranscript(text, role string) {
	h.send("transcript", map[string]any{"text": text, "role": role, "timestamp": time.Now().UnixMilli()})
}

func (h *WebHandler) HandleAgentSpeaking()   { h.send("agent_speaking", nil) }
func (h *WebHandler) HandleAgentListening()  { h.send("agent_listening", nil) }
func (h *WebHandler) HandleUserInterrupted() { h.send("stop_audio", map[string]string{"reason": "user_interrupted"}) }

// HandleEscalate implements [call.EscalationAware], surfacing a
// tool-triggered escalation to the widget.
func (h *WebHandler) HandleEscalate(reason, urgency, summary, _ string) {
	h.send("escalation_started", map[string]any{
		"reason":    reason,
		"urgency":   urgency,
		"summary":   summary,
		"message":   "This conversation is being escalated to a human agent.",
		"timestamp": time.Now().UnixMilli(),
	})
}

// send writes one JSON frame, silently dropping it if the transport is not
// open. Writes are serialized since [websocket.Conn] forbids concurrent
// writers.
func (h *WebHandler) send(frameType string, data any) error {
	if !h.active.Load() && frameType != "call_ended" {
		return nil
	}
	payload, err := json.Marshal(outboundFrame{Type: frameType, Data: data})
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.conn.Write(ctx, websocket.MessageText, payload)
}
