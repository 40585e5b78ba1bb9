package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// ErrSessionClosed is returned by operations on a [CallSession] that has
// already been ended.
var ErrSessionClosed = errors.New("webrtc: call session closed")

// CodecRate maps a negotiated RTP codec name to its clock/sample rate in Hz,
// per the messenger transport's codec-to-rate table. Unknown codecs default
// to 8000.
func CodecRate(codec string) int {
	switch codec {
	case "PCMU", "PCMA":
		return 8000
	case "G722", "L16":
		return 16000
	case "opus":
		return 48000
	default:
		return 8000
	}
}

// SDPValidation is the result of [ValidateSDPOffer].
type SDPValidation struct {
	Valid  bool
	Issues []string
}

// ValidateSDPOffer performs a structural sanity check on an SDP offer: it
// must parse and must declare at least one audio media section.
func ValidateSDPOffer(offerSDP string) SDPValidation {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offerSDP)); err != nil {
		return SDPValidation{Valid: false, Issues: []string{fmt.Sprintf("unparseable SDP: %v", err)}}
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return SDPValidation{Valid: true}
		}
	}
	return SDPValidation{Valid: false, Issues: []string{"no audio media section"}}
}

// PreferredAudioCodec inspects an SDP offer's audio media section and
// returns the first codec name pion/webrtc is able to negotiate, preferring
// PCMU for its zero-decode path through the existing µ-law pipeline.
func PreferredAudioCodec(offerSDP string) string {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offerSDP)); err != nil {
		return "PCMU"
	}
	priority := []string{"PCMU", "PCMA", "opus", "G722"}
	seen := map[string]bool{}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			for _, name := range priority {
				if containsCodecName(a.Value, name) {
					seen[name] = true
				}
			}
		}
	}
	for _, name := range priority {
		if seen[name] {
			return name
		}
	}
	return "PCMU"
}

func containsCodecName(rtpmap, name string) bool {
	for i := 0; i+len(name) <= len(rtpmap); i++ {
		if rtpmap[i:i+len(name)] == name {
			return true
		}
	}
	return false
}

// SessionOptions configure [NewCallSession].
type SessionOptions struct {
	AudioCodec      string
	AudioSampleRate int
	STUNServers     []string
}

// CallSessionResult is returned by [NewCallSession]: the SDP answer to send
// back to the messenger carrier, plus the live session handle.
type CallSessionResult struct {
	SDPAnswer string
	Session   *CallSession
}

// AudioReceived is emitted for every inbound RTP audio packet, already
// unwrapped to its raw payload bytes (µ-law for PCMU, A-law for PCMA, raw
// PCM16 for L16; Opus payloads are passed through undecoded).
type AudioReceived struct {
	CallID     string
	Audio      []byte
	Codec      string
	SampleRate int
}

// CallSession is a single messenger WebRTC call's peer connection,
// answering an SDP offer and exchanging audio with one remote endpoint. It
// is the H3 transport handler's WebRTC subsystem collaborator: one
// CallSession always corresponds to exactly one call.
type CallSession struct {
	callID     string
	codec      string
	sampleRate int

	pc          *pionwebrtc.PeerConnection
	outputTrack *pionwebrtc.TrackLocalStaticSample

	mu     sync.Mutex
	events chan AudioReceived
	closed atomic.Bool
}

// NewCallSession negotiates a new WebRTC session for callID from a remote
// SDP offer, returning the SDP answer to relay back to the carrier. The
// preferred codec/sample rate should come from [PreferredAudioCodec] and
// [CodecRate] applied to the same offer.
func NewCallSession(ctx context.Context, callID, offerSDP string, opts SessionOptions) (*CallSessionResult, error) {
	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}

	m := &pionwebrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtc: register codecs: %w", err)
	}
	api := pionwebrtc.NewAPI(pionwebrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{
		ICEServers: []pionwebrtc.ICEServer{{URLs: stun}},
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	mimeType := mimeTypeForCodec(opts.AudioCodec)
	outTrack, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: uint32(opts.AudioSampleRate)},
		"audio", callID,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create output track: %w", err)
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: add output track: %w", err)
	}

	s := &CallSession{
		callID:      callID,
		codec:       opts.AudioCodec,
		sampleRate:  opts.AudioSampleRate,
		pc:          pc,
		outputTrack: outTrack,
		events:      make(chan AudioReceived, 64),
	}

	pc.OnTrack(func(remote *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		s.readRemoteTrack(remote)
	})

	if err := pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer, SDP: offerSDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gatherComplete := pionwebrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	return &CallSessionResult{
		SDPAnswer: pc.LocalDescription().SDP,
		Session:   s,
	}, nil
}

func mimeTypeForCodec(codec string) string {
	switch codec {
	case "PCMU":
		return pionwebrtc.MimeTypePCMU
	case "PCMA":
		return pionwebrtc.MimeTypePCMA
	case "opus":
		return pionwebrtc.MimeTypeOpus
	case "G722":
		return pionwebrtc.MimeTypeG722
	default:
		return pionwebrtc.MimeTypePCMU
	}
}

// readRemoteTrack drains RTP packets from the remote audio track, unwraps
// their payload, and publishes an AudioReceived event per packet until the
// track ends or the session is closed.
func (s *CallSession) readRemoteTrack(remote *pionwebrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		s.publish(pkt)
	}
}

func (s *CallSession) publish(pkt *rtp.Packet) {
	if s.closed.Load() {
		return
	}
	evt := AudioReceived{
		CallID:     s.callID,
		Audio:      pkt.Payload,
		Codec:      s.codec,
		SampleRate: s.sampleRate,
	}
	select {
	case s.events <- evt:
	default:
		// Backpressure: drop rather than block the RTP read loop.
	}
}

// Events returns the channel of inbound audio packets for this session.
func (s *CallSession) Events() <-chan AudioReceived { return s.events }

// SendAudio writes a single payload chunk (already encoded for the
// session's negotiated codec) as one RTP sample on the outbound track.
// durationMs is the playback duration of payload, typically 20ms per chunk.
func (s *CallSession) SendAudio(payload []byte, durationMs int) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.outputTrack.WriteSample(media.Sample{
		Data:     payload,
		Duration: time.Duration(durationMs) * time.Millisecond,
	})
}

// End tears down the peer connection. Idempotent.
func (s *CallSession) End() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.events)
	return s.pc.Close()
}
