// Package openai implements s2s.Provider (Provider Executor Variant A) for
// OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24kHz; tool calls are
// surfaced as s2s.EventToolCall. Interruption (barge-in) is debounced so that
// rapid speech-started chatter from the provider collapses into a single
// response.cancel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callcore/pkg/provider/s2s"
	"github.com/coder/websocket"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Executor = (*executor)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// interruptDebounce collapses repeated speech-started/interrupt signals
	// arriving within this window into a single response.cancel.
	interruptDebounce = 100 * time.Millisecond

	// postCancelSuppress is the window after issuing a cancel during which
	// every provider error event is swallowed instead of surfaced, since
	// errors about the cancelled response are an expected race.
	postCancelSuppress = 1 * time.Second

	sampleRate = 24000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL, used in tests to point at a
// local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session and sends the initial
// session.update message before returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Executor, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	ex := &executor{
		conn:     conn,
		events:   make(chan s2s.Event, 64),
		ctx:      sessCtx,
		cancel:   sessCancel,
		speaking: false,
		greeting: cfg.Greeting,
	}

	if err := ex.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go ex.receiveLoop()

	return ex, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities             []string              `json:"modalities,omitempty"`
	Voice                  string                `json:"voice,omitempty"`
	Instructions           string                `json:"instructions,omitempty"`
	Tools                  []oaiTool             `json:"tools,omitempty"`
	ToolChoice             string                `json:"tool_choice,omitempty"`
	Temperature            float64               `json:"temperature,omitempty"`
	MaxResponseOutputToken int                   `json:"max_response_output_tokens,omitempty"`
	InputAudioFormat       string                `json:"input_audio_format"`
	OutputAudioFormat      string                `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection          *turnDetection        `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string           `json:"type"`
	CallID  string           `json:"call_id,omitempty"`
	Output  string           `json:"output,omitempty"`
	Role    string           `json:"role,omitempty"`
	Content []conversationContentPart `json:"content,omitempty"`
}

type conversationContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type createResponseMessage struct {
	Type string `json:"type"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────

// defaultTemperature and defaultMaxOutputTokens mirror the Realtime API's
// recommended session-level defaults for voice-call use.
const (
	defaultTemperature     = 0.8
	defaultMaxOutputTokens = 4096
	defaultSTTModel        = "whisper-1"
)

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── executor ────────────────────────────────────────────────────────────────

type executor struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu            sync.Mutex
	connected     bool
	speaking      bool
	closed        bool
	currentTxText string

	lastInterrupt    time.Time
	cancelSuppressAt time.Time
	greeting         string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (e *executor) sendSessionUpdate(cfg s2s.Config) error {
	sttModel := cfg.InputTranscriptionModel
	if sttModel == "" {
		sttModel = defaultSTTModel
	}
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Instructions:            cfg.Instructions,
		InputAudioTranscription: &inputTranscription{Model: sttModel},
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.PrefixPaddingMs,
			SilenceDurationMs: cfg.SilenceDurationMs,
		},
		Temperature:            defaultTemperature,
		MaxResponseOutputToken: defaultMaxOutputTokens,
	}
	if cfg.Voice.ID != "" {
		params.Voice = cfg.Voice.ID
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return e.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// sendGreeting injects the configured greeting as an assistant conversation
// item and immediately triggers a response, so the agent speaks first
// without waiting for user audio. Called once, after session.created.
func (e *executor) sendGreeting() error {
	if err := e.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "assistant",
			Content: []conversationContentPart{{Type: "text", Text: e.greeting}},
		},
	}); err != nil {
		return err
	}
	return e.writeJSON(createResponseMessage{Type: "response.create"})
}

func (e *executor) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return e.conn.Write(e.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// events: it closes it, after emitting EventClosed, when it exits.
func (e *executor) receiveLoop() {
	defer e.emitClosedAndCloseChannel()

	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.setClosedErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		e.handleServerEvent(&evt)
	}
}

func (e *executor) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		if e.greeting != "" {
			if err := e.sendGreeting(); err != nil {
				e.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: send greeting: %w", err)})
			}
		}

	case "response.created":
		e.mu.Lock()
		e.speaking = true
		e.mu.Unlock()
		e.emit(s2s.Event{Kind: s2s.EventAgentSpeaking})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		e.emit(s2s.Event{Kind: s2s.EventAudio, Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		e.mu.Lock()
		e.currentTxText += evt.Delta
		e.mu.Unlock()
		e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "assistant", TranscriptText: evt.Delta})

	case "response.audio_transcript.done":
		e.mu.Lock()
		text := e.currentTxText
		e.currentTxText = ""
		e.mu.Unlock()
		if text != "" {
			e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "assistant", TranscriptText: text, TranscriptFinal: true})
		}

	case "response.done":
		e.mu.Lock()
		e.speaking = false
		e.mu.Unlock()
		e.emit(s2s.Event{Kind: s2s.EventAgentListening})
		e.emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "user", TranscriptText: evt.Transcript, TranscriptFinal: true})

	case "input_audio_buffer.speech_started":
		e.mu.Lock()
		speaking := e.speaking
		debounced := time.Since(e.lastInterrupt) < interruptDebounce
		e.mu.Unlock()
		if speaking && !debounced {
			_ = e.Interrupt()
			e.emit(s2s.Event{Kind: s2s.EventUserInterrupted})
		}

	case "response.function_call_arguments.done":
		args := evt.Arguments
		if args == "" {
			args = "{}"
		}
		e.emit(s2s.Event{Kind: s2s.EventToolCall, ToolCallID: evt.CallID, ToolName: evt.Name, ToolArgs: args})

	case "error":
		e.handleErrorEvent(evt)
	}
}

func (e *executor) handleErrorEvent(evt *serverEvent) {
	e.mu.Lock()
	suppress := time.Now().Before(e.cancelSuppressAt)
	e.mu.Unlock()
	if suppress {
		return
	}
	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	e.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
}

// SubmitToolResult sends a tool's result back into the conversation and
// requests the next model turn. The call runner invokes this after executing
// an EventToolCall via the tool dispatch table. name is unused — the
// Realtime API keys function_call_output purely on call_id.
func (e *executor) SubmitToolResult(callID, name, result string) error {
	_ = name
	if err := e.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: result},
	}); err != nil {
		return err
	}
	return e.writeJSON(createResponseMessage{Type: "response.create"})
}

func toOAITools(tools []s2s.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

func (e *executor) emit(evt s2s.Event) {
	select {
	case e.events <- evt:
	case <-e.ctx.Done():
	}
}

func (e *executor) setClosedErr(err error) {
	e.emit(s2s.Event{Kind: s2s.EventError, Err: err})
}

func (e *executor) emitClosedAndCloseChannel() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		select {
		case e.events <- s2s.Event{Kind: s2s.EventClosed}:
		default:
		}
		close(e.events)
	})
}

// ── s2s.Executor ────────────────────────────────────────────────────────────

func (e *executor) SendAudio(chunk []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	e.mu.Unlock()
	return e.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(chunk)})
}

func (e *executor) Events() <-chan s2s.Event { return e.events }

func (e *executor) Interrupt() error {
	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.lastInterrupt) < interruptDebounce {
		e.mu.Unlock()
		return nil
	}
	e.lastInterrupt = now
	e.cancelSuppressAt = now.Add(postCancelSuppress)
	e.speaking = false
	e.mu.Unlock()
	return e.writeJSON(map[string]string{"type": "response.cancel"})
}

func (e *executor) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *executor) IsSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

func (e *executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	return e.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// SampleRate returns the fixed PCM16 sample rate used by this provider.
func SampleRate() int { return sampleRate }
