package call

// HandlerEventKind tags a [HandlerEvent].
type HandlerEventKind int

const (
	HandlerAudioReceived HandlerEventKind = iota
	HandlerCallStarted
	HandlerCallEnded
	HandlerError
)

// HandlerEvent is a single tagged occurrence from a transport [Handler].
type HandlerEvent struct {
	Kind HandlerEventKind

	// Audio carries PCM16 bytes for HandlerAudioReceived, already converted
	// to the handler's outbound-to-provider rate where the handler performs
	// that conversion itself (H2, H3); H1 passes audio through unconverted.
	Audio []byte

	// Reason carries the close reason for HandlerCallEnded.
	Reason string

	// Err carries the error for HandlerError.
	Err error
}

// Handler is the shared contract every transport handler (H1 web, H2
// telephony, H3 messenger) satisfies. The call runner binds exactly one
// Handler to one [github.com/MrWong99/callcore/pkg/provider/s2s.Executor]
// for the lifetime of a session.
//
// Grounded on spec §4.4's base contract; the teacher's
// internal/discord/voice connection interface showed the same
// start/send/end/events shape for a single transport connection, adapted
// here to a protocol-agnostic three-way union instead of one Discord voice
// gateway implementation.
type Handler interface {
	// Start begins the handler's read loop. Returns once the handler has
	// either started successfully or failed outright.
	Start() error

	// HandleAudio accepts one inbound chunk from the transport, performing
	// any codec/rate conversion the handler owns, and publishes a
	// HandlerAudioReceived event.
	HandleAudio(chunk []byte)

	// SendAudio delivers one PCM16 chunk (at the provider's output rate) to
	// the transport, performing any codec/rate conversion the handler owns.
	// Silently drops the frame if the transport is not open.
	SendAudio(pcm16 []byte) error

	// End closes the handler and its transport. Idempotent.
	End(reason string) error

	SessionID() string
	CallID() string
	IsActive() bool

	// Events returns the channel of HandlerEvent values. Closed once End
	// has completed.
	Events() <-chan HandlerEvent

	// HandleTranscript, HandleAgentSpeaking, HandleAgentListening and
	// HandleUserInterrupted are call-runner hooks invoked as the bound
	// executor's own events fire, letting the handler update any
	// transport-specific presentation state (e.g. clearing a telephony
	// jitter buffer on interruption).
	HandleTranscript(text, role string)
	HandleAgentSpeaking()
	HandleAgentListening()
	HandleUserInterrupted()
}

// EscalationAware is implemented by transport handlers that can surface a
// tool-triggered escalation to their end user (H1 web widget emits
// escalation_started; H2/H3 have no equivalent UI surface and do not
// implement this interface, per spec §4.6's "when the handler declares
// escalation support").
type EscalationAware interface {
	HandleEscalate(reason, urgency, summary, conversationID string)
}
