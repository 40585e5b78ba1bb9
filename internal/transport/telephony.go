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
	"github.com/MrWong99/callcore/pkg/audio"
)

var _ call.Handler = (*TelephonyHandler)(nil)

const telephonySampleRate = 8000

// telephonyInboundFrame is the "event"-discriminated JSON envelope the
// carrier's media-stream protocol uses for every message.
type telephonyInboundFrame struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Start     *telephonyStart `json:"start,omitempty"`
	Media     *telephonyMedia `json:"media,omitempty"`
}

type telephonyStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type telephonyMedia struct {
	Payload string `json:"payload"`
}

// TelephonyHandler is the H2 transport handler: a carrier media-stream
// WebSocket carrying base64 µ-law audio at 8kHz mono, framed as JSON with
// an "event" discriminator. Audio is converted both ways between 8kHz
// µ-law and the bound provider's own PCM16 rate.
//
// Grounded on spec §4.4 H2 and the `other_examples/` Twilio media-stream
// handlers, using the teacher's audio-pipeline primitives
// (pkg/audio.MulawToPCM16/PCM16ToMulaw/ResampleMono16) for the codec and
// rate conversion in both directions.
type TelephonyHandler struct {
	base

	conn       *websocket.Conn
	inputRate  int // provider's expected sendAudio rate: 24000 (A) or 16000 (B)
	outputRate int // provider's audioDelta rate: always 24000

	writeMu   sync.Mutex
	streamSID string
	streamSet bool
}

// NewTelephonyHandler wraps an already-accepted media-stream WebSocket
// connection. inputRate is the bound executor's expected SendAudio rate
// (24000 for variant A, 16000 for variant B); outputRate is the rate its
// audio deltas arrive at (always 24000, both variants).
func NewTelephonyHandler(conn *websocket.Conn, sessionID, callID string, inputRate, outputRate int) *TelephonyHandler {
	return &TelephonyHandler{base: newBase(sessionID, callID), conn: conn, inputRate: inputRate, outputRate: outputRate}
}

func (h *TelephonyHandler) Start() error {
	go h.readLoop()
	return nil
}

func (h *TelephonyHandler) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			if h.active.Load() {
				h.emit(call.HandlerEvent{Kind: call.HandlerCallEnded, Reason: "Client disconnected"})
			}
			return
		}

		var frame telephonyInboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("telephony handler: ignoring non-JSON frame", "session_id", h.sessionID, "err", err)
			continue
		}

		switch frame.Event {
		case "connected":
			// Nothing to do until "start" populates streamSid.

		case "start":
			if frame.Start != nil {
				h.streamSID = frame.Start.StreamSID
			} else {
				h.streamSID = frame.StreamSID
			}
			h.streamSet = h.streamSID != ""
			h.active.Store(true)
			h.emit(call.HandlerEvent{Kind: call.HandlerCallStarted})

		case "media":
			if frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil || len(mulaw) == 0 {
				continue
			}
			h.HandleAudio(mulaw)

		case "stop":
			h.emit(call.HandlerEvent{Kind: call.HandlerCallEnded, Reason: "Carrier ended stream"})
			return

		case "mark":
			// Playback-position acknowledgement; no inbound action required.

		default:
			slog.Debug("telephony handler: unknown event", "session_id", h.sessionID, "event", frame.Event)
		}
	}
}

// HandleAudio decodes a raw µ-law@8kHz chunk, converts it to PCM16, resamples
// to the bound provider's rate, and publishes a HandlerAudioReceived event.
func (h *TelephonyHandler) HandleAudio(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	pcm := audio.MulawToPCM16(mulaw)
	pcm = audio.ResampleMono16(pcm, telephonySampleRate, h.inputRate)
	h.emit(call.HandlerEvent{Kind: call.HandlerAudioReceived, Audio: pcm})
}

// SendAudio resamples a provider-rate PCM16 chunk down to 8kHz, encodes it
// as µ-law, and sends one "media" frame. Dropped if no streamSid has been
// assigned yet or the transport is not active.
func (h *TelephonyHandler) SendAudio(pcm16 []byte) error {
	if !h.active.Load() || !h.streamSet {
		return nil
	}
	narrowband := audio.ResampleMono16(pcm16, h.outputRate, telephonySampleRate)
	mulaw := audio.PCM16ToMulaw(narrowband)
	return h.sendMedia(mulaw)
}

func (h *TelephonyHandler) sendMedia(mulaw []byte) error {
	return h.writeJSON(map[string]any{
		"event":     "media",
		"streamSid": h.streamSID,
		"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// End stops sending audio and closes the transport. Idempotent.
func (h *TelephonyHandler) End(reason string) error {
	if !h.active.CompareAndSwap(true, false) {
		h.closeEvents()
		return nil
	}
	err := h.conn.Close(websocket.StatusNormalClosure, reason)
	h.closeEvents()
	return err
}

// HandleTranscript has no telephony-side presentation surface.
func (h *TelephonyHandler) HandleTranscript(string, string) {}

// HandleAgentSpeaking has no telephony-side presentation surface.
func (h *TelephonyHandler) HandleAgentSpeaking() {}

// HandleAgentListening has no telephony-side presentation surface.
func (h *TelephonyHandler) HandleAgentListening() {}

// HandleUserInterrupted sends a "clear" frame to flush the carrier's
// playback buffer on barge-in, per spec §4.4 H2.
func (h *TelephonyHandler) HandleUserInterrupted() {
	if !h.active.Load() || !h.streamSet {
		return
	}
	_ = h.writeJSON(map[string]any{"event": "clear", "streamSid": h.streamSID})
}

// Mark sends a "mark" frame tracking playback position, identified by name.
func (h *TelephonyHandler) Mark(name string) error {
	if !h.active.Load() || !h.streamSet {
		return nil
	}
	return h.writeJSON(map[string]any{
		"event":     "mark",
		"streamSid": h.streamSID,
		"mark":      map[string]string{"name": name},
	})
}

func (h *TelephonyHandler) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.conn.Write(ctx, websocket.MessageText, payload)
}
