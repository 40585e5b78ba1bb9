package transport

import (
	"context"
	"fmt"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/pkg/audio"
	"github.com/MrWong99/callcore/pkg/audio/webrtc"
)

var _ call.Handler = (*MessengerHandler)(nil)

// NegotiateMessengerCall validates offerSDP and, if valid, negotiates a new
// WebRTC [webrtc.CallSession] for it, returning the SDP answer to relay back
// to the messenger carrier alongside the ready-to-start handler. If
// offerSDP is empty, the handler is constructed without a session (no
// audio path) so the call can still be tracked and later ended cleanly —
// matching spec §4.4 H3's "initialize without negotiation" fallback.
func NegotiateMessengerCall(ctx context.Context, sessionID, callID, offerSDP string, inputRate, outputRate int, stunServers []string) (*MessengerHandler, string, error) {
	h := &MessengerHandler{
		base:       newBase(sessionID, callID),
		inputRate:  inputRate,
		outputRate: outputRate,
	}

	if offerSDP == "" {
		return h, "", nil
	}

	validation := webrtc.ValidateSDPOffer(offerSDP)
	if !validation.Valid {
		return nil, "", fmt.Errorf("transport: invalid SDP offer: %v", validation.Issues)
	}

	codec := webrtc.PreferredAudioCodec(offerSDP)
	codecRate := webrtc.CodecRate(codec)

	result, err := webrtc.NewCallSession(ctx, callID, offerSDP, webrtc.SessionOptions{
		AudioCodec:      codec,
		AudioSampleRate: codecRate,
		STUNServers:     stunServers,
	})
	if err != nil {
		return nil, "", fmt.Errorf("transport: negotiate webrtc session: %w", err)
	}

	h.session = result.Session
	h.codec = codec
	h.codecRate = codecRate
	return h, result.SDPAnswer, nil
}

// MessengerHandler is the H3 transport handler: a messenger webhook's
// WebRTC call, answering an SDP offer and exchanging audio through a
// [webrtc.CallSession]. Inbound audio is converted from the negotiated
// codec to the bound provider's input rate; outbound audio is resampled
// from the provider's 24kHz mono output to the codec's rate, still mono,
// and encoded for that codec.
//
// Grounded on spec §4.4 H3. The teacher's pkg/audio/webrtc is a mock
// multi-participant room model (Platform/Connection/SignalingServer); this
// handler instead binds one [webrtc.CallSession] per messenger call directly
// on the pion stack, since H3 never needs more than two legs per call.
type MessengerHandler struct {
	base

	session    *webrtc.CallSession
	codec      string
	codecRate  int
	inputRate  int // provider's expected sendAudio rate
	outputRate int // provider's audioDelta rate, always 24000
}

// Start marks the handler active, emits HandlerCallStarted, and — if a
// WebRTC session was negotiated — begins draining its inbound audio events.
func (h *MessengerHandler) Start() error {
	h.active.Store(true)
	if h.session != nil {
		go h.readLoop()
	}
	h.emit(call.HandlerEvent{Kind: call.HandlerCallStarted})
	return nil
}

func (h *MessengerHandler) readLoop() {
	for evt := range h.session.Events() {
		h.HandleAudio(decodeByCodec(evt.Audio, evt.Codec))
	}
}

// decodeByCodec converts one inbound RTP payload to PCM16 according to its
// negotiated codec. PCMA (A-law) and Opus are not decoded here — Opus
// decode is an optional pipeline capability (spec §4.5) and no A-law table
// is wired in; unsupported payloads are dropped per the single-frame
// failure policy in spec §7 kind 7.
func decodeByCodec(payload []byte, codec string) []byte {
	switch codec {
	case "PCMU":
		return audio.MulawToPCM16(payload)
	case "L16":
		return payload
	default:
		return nil
	}
}

// HandleAudio resamples a codec-rate PCM16 chunk to the bound provider's
// input rate and publishes a HandlerAudioReceived event.
func (h *MessengerHandler) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	converted := audio.ResampleMono16(pcm, h.codecRate, h.inputRate)
	h.emit(call.HandlerEvent{Kind: call.HandlerAudioReceived, Audio: converted})
}

// SendAudio resamples the provider's 24kHz mono PCM16 output down to the
// negotiated codec's rate, encodes it for that codec, and writes it as one
// RTP sample on the WebRTC peer's outbound track. A no-op if no session was
// negotiated or the handler is inactive.
func (h *MessengerHandler) SendAudio(pcm16 []byte) error {
	if !h.active.Load() || h.session == nil {
		return nil
	}
	narrowband := audio.ResampleMono16(pcm16, h.outputRate, h.codecRate)
	payload := encodeByCodec(narrowband, h.codec)
	if payload == nil {
		return nil
	}
	durationMs := len(narrowband) * 1000 / (h.codecRate * 2)
	return h.session.SendAudio(payload, durationMs)
}

// encodeByCodec converts a PCM16 chunk, already at the codec's own rate,
// into that codec's wire payload. Opus is not encoded here (see
// decodeByCodec); unsupported codecs yield no payload.
func encodeByCodec(pcm []byte, codec string) []byte {
	switch codec {
	case "PCMU":
		return audio.PCM16ToMulaw(pcm)
	case "L16":
		return pcm
	default:
		return nil
	}
}

// End tears down the WebRTC session (if any) and closes the transport.
// Idempotent.
func (h *MessengerHandler) End(reason string) error {
	if !h.active.CompareAndSwap(true, false) {
		h.closeEvents()
		return nil
	}
	var err error
	if h.session != nil {
		err = h.session.End()
	}
	h.closeEvents()
	_ = reason
	return err
}

func (h *MessengerHandler) HandleTranscript(string, string) {}
func (h *MessengerHandler) HandleAgentSpeaking()             {}
func (h *MessengerHandler) HandleAgentListening()            {}

// HandleUserInterrupted does nothing on the WebRTC side.
func (h *MessengerHandler) HandleUserInterrupted() {
	// The paced-playback queue (owned by the call runner) already discards
	// undelivered chunks on interrupt; the WebRTC output track itself has
	// no separate jitter buffer to flush.
}

// UpdateStatus applies a carrier call-status notification, per spec §4.4
// H3: completed/failed/no-answer/busy transition to inactive and end the
// call; in-progress marks active; any other value is ignored.
func (h *MessengerHandler) UpdateStatus(status string) {
	switch status {
	case "completed", "failed", "no-answer", "busy":
		h.emit(call.HandlerEvent{Kind: call.HandlerCallEnded, Reason: status})
	case "in-progress":
		h.active.Store(true)
	}
}
