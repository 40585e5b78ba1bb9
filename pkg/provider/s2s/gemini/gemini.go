// Package gemini implements s2s.Provider (Provider Executor Variant B) for
// Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is sent at 16kHz PCM16 and received at 24kHz PCM16; the
// server's own VAD drives turn-taking and interruption, tuned through the
// startOfSpeechSensitivity knob derived from s2s.VADSensitivity.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	inputSampleRate  = 16000
	outputSampleRate = 24000

	defaultVoiceName        = "Kore"
	defaultPrefixPaddingMs  = 300
	defaultSilenceDuration  = 700
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL, used in tests to point at a
// local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Gemini Live session and sends the initial setup
// message before returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.Config) (s2s.Executor, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	ex := &executor{
		conn:   conn,
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := ex.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	if cfg.Greeting != "" {
		if err := ex.sendGreeting(cfg.Greeting); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("gemini: greeting: %w", err)
		}
	}

	go ex.receiveLoop()
	go ex.keepaliveLoop()

	return ex, nil
}

// ── Protocol message types (outgoing) ───────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                        string                        `json:"model"`
	GenerationConfig             generationConfig              `json:"generationConfig"`
	SystemInstruction            *systemInstruction            `json:"systemInstruction,omitempty"`
	Tools                        []geminiTool                  `json:"tools,omitempty"`
	RealtimeInputConfig          *realtimeInputConfig          `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription      *transcriptionConfig          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription     *transcriptionConfig          `json:"outputAudioTranscription,omitempty"`
}

// transcriptionConfig is an empty object that enables transcription for a
// direction when present; Gemini Live has no sub-fields to tune here.
type transcriptionConfig struct{}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ───────────────────────────────────────

type serverMessage struct {
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg   `json:"toolCall,omitempty"`
	Error         *geminiError   `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── executor ─────────────────────────────────────────────────────────────────

type executor struct {
	conn   *websocket.Conn
	events chan s2s.Event
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	speaking  bool
	closed    bool

	lastInterrupt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func sensitivityString(s s2s.VADSensitivity) string {
	switch s {
	case s2s.VADHigh:
		return "START_SENSITIVITY_HIGH"
	case s2s.VADLow:
		return "START_SENSITIVITY_LOW"
	default:
		return "START_SENSITIVITY_MEDIUM"
	}
}

func (e *executor) sendSetup(model string, cfg s2s.Config) error {
	prefixPadding := cfg.PrefixPaddingMs
	if prefixPadding <= 0 {
		prefixPadding = defaultPrefixPaddingMs
	}
	silenceDuration := cfg.SilenceDurationMs
	if silenceDuration <= 0 {
		silenceDuration = defaultSilenceDuration
	}
	sensitivity := sensitivityString(cfg.VADSensitivity)

	voiceName := cfg.Voice.ID
	if voiceName == "" {
		voiceName = defaultVoiceName
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model:            fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{ResponseModalities: []string{"audio"}},
			RealtimeInputConfig: &realtimeInputConfig{
				AutomaticActivityDetection: automaticActivityDetection{
					StartOfSpeechSensitivity: sensitivity,
					EndOfSpeechSensitivity:   sensitivity,
					PrefixPaddingMs:          prefixPadding,
					SilenceDurationMs:        silenceDuration,
				},
			},
			InputAudioTranscription:  &transcriptionConfig{},
			OutputAudioTranscription: &transcriptionConfig{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: cfg.Instructions}}}
	}
	msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
		VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voiceName}},
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return e.writeJSON(msg)
}

// sendGreeting delivers the configured greeting by sending an initial user
// turn instructing the model to open with that exact phrase, since Gemini
// Live has no "assistant opens the conversation" primitive of its own.
func (e *executor) sendGreeting(greeting string) error {
	instruction := fmt.Sprintf("Begin the conversation now by greeting the caller with exactly: %q", greeting)
	return e.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: instruction}}}},
			TurnComplete: true,
		},
	})
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

func (e *executor) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return e.conn.Write(e.ctx, websocket.MessageText, data)
}

func (e *executor) receiveLoop() {
	defer e.emitClosedAndCloseChannel()

	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		e.handleServerMessage(&msg)
	}
}

func (e *executor) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		m := "unknown error"
		if msg.Error.Message != "" {
			m = msg.Error.Message
		}
		e.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: %s", m)})
	}
	if msg.ServerContent != nil {
		e.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		e.handleToolCall(msg.ToolCall)
	}
}

func (e *executor) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		e.mu.Lock()
		now := time.Now()
		debounced := now.Sub(e.lastInterrupt) < 100*time.Millisecond
		if !debounced {
			e.lastInterrupt = now
		}
		e.speaking = false
		e.mu.Unlock()
		if !debounced {
			e.emit(s2s.Event{Kind: s2s.EventUserInterrupted})
		}
		return
	}

	if sc.ModelTurn != nil {
		e.mu.Lock()
		wasSpeaking := e.speaking
		e.speaking = true
		e.mu.Unlock()
		if !wasSpeaking {
			e.emit(s2s.Event{Kind: s2s.EventAgentSpeaking})
		}

		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				e.emit(s2s.Event{Kind: s2s.EventAudio, Audio: audioData})
			}
			if p.Text != "" {
				e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "assistant", TranscriptText: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "user", TranscriptText: sc.InputTranscription.Text, TranscriptFinal: true})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		e.emit(s2s.Event{Kind: s2s.EventTranscriptDelta, TranscriptRole: "assistant", TranscriptText: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		e.mu.Lock()
		e.speaking = false
		e.mu.Unlock()
		e.emit(s2s.Event{Kind: s2s.EventAgentListening})
		e.emit(s2s.Event{Kind: s2s.EventTurnComplete})
	}
}

func (e *executor) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		argsJSON, err := json.Marshal(fc.Args)
		if err != nil {
			continue
		}
		e.emit(s2s.Event{Kind: s2s.EventToolCall, ToolCallID: fc.ID, ToolName: fc.Name, ToolArgs: string(argsJSON)})
	}
}

// SubmitToolResult sends a tool's result back into the conversation. Gemini
// Live resumes generation automatically once all outstanding function calls
// for a turn have been answered.
func (e *executor) SubmitToolResult(callID, name, result string) error {
	var respObj map[string]any
	if err := json.Unmarshal([]byte(result), &respObj); err != nil {
		respObj = map[string]any{"output": result}
	}
	return e.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: []functionResponse{{ID: callID, Name: name, Response: respObj}}},
	})
}

func (e *executor) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(e.ctx, keepaliveTimeout)
			_ = e.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (e *executor) emit(evt s2s.Event) {
	select {
	case e.events <- evt:
	case <-e.ctx.Done():
	}
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

// ── s2s.Executor ─────────────────────────────────────────────────────────────

func (e *executor) SendAudio(chunk []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	e.mu.Unlock()

	return e.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(chunk)}},
		},
	})
}

func (e *executor) Events() <-chan s2s.Event { return e.events }

// Interrupt is a no-op for Gemini Live: interruption is driven entirely by
// the server's own VAD, surfaced as the "interrupted" field on serverContent
// and translated to s2s.EventUserInterrupted. Calling Interrupt still clears
// the local speaking flag so the call runner's barge-in bookkeeping stays
// consistent regardless of which side observed the interruption first.
func (e *executor) Interrupt() error {
	e.mu.Lock()
	e.speaking = false
	e.mu.Unlock()
	return nil
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
	close(e.done)
	return e.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// InputSampleRate returns the fixed PCM16 sample rate the provider accepts.
func InputSampleRate() int { return inputSampleRate }

// OutputSampleRate returns the fixed PCM16 sample rate the provider emits.
func OutputSampleRate() int { return outputSampleRate }
