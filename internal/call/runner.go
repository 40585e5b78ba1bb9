package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callcore/internal/config"
	"github.com/MrWong99/callcore/internal/resilience"
	"github.com/MrWong99/callcore/pkg/audio"
	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

// ErrSessionNotFound is returned by runner operations addressed to an
// unknown sessionId.
var ErrSessionNotFound = errors.New("call: session not found")

// ErrChatbotNotCallable is returned by LoadExecutor/CreateSession when the
// chatbot is unknown, has calls disabled, or has no AI provider configured.
var ErrChatbotNotCallable = errors.New("call: chatbot not enabled for calls")

const connectBreakerResetTimeout = 30 * time.Second
const connectBreakerMaxFailures = 5

// Persistence is the narrow external collaborator the runner hands call
// records and transcripts to. The core itself never stores them — see
// spec §1's explicit non-goal on persistent storage.
type Persistence interface {
	RecordCall(ctx context.Context, callID, sessionID string, s Session)
	RecordTranscript(ctx context.Context, callID, role, text string, at time.Time)
	UpdateCallStatus(ctx context.Context, callID string, status Status, durationMs int64)
}

// NoopPersistence discards every call record. It is the runner's default
// when no external persistence collaborator is supplied.
type NoopPersistence struct{}

func (NoopPersistence) RecordCall(context.Context, string, string, Session)          {}
func (NoopPersistence) RecordTranscript(context.Context, string, string, string, time.Time) {}
func (NoopPersistence) UpdateCallStatus(context.Context, string, Status, int64)       {}

// AudioRecorder is the optional external collaborator that persists raw
// call audio to object storage. Starting/stopping it never blocks or fails
// the call.
type AudioRecorder interface {
	Start(callID string) error
	Stop(callID string) error
	Cancel(callID string) error
}

// NoopAudioRecorder performs no recording. It is the runner's default when
// no recorder is configured.
type NoopAudioRecorder struct{}

func (NoopAudioRecorder) Start(string) error  { return nil }
func (NoopAudioRecorder) Stop(string) error   { return nil }
func (NoopAudioRecorder) Cancel(string) error { return nil }

// RunnerConfig supplies the Call Runner's external collaborators.
type RunnerConfig struct {
	Sessions    *Manager
	Cache       *ExecutorCache
	Registry    *config.Registry
	Chatbots    func(chatbotID string) (config.ChatbotConfig, bool)
	Providers   config.ProvidersConfig
	Tools       *ToolRegistry
	Persistence Persistence
	Recorder    AudioRecorder
}

// binding is the runner's private record of one live session: the handler
// and executor it has bound together, and the plumbing needed to tear both
// down exactly once.
type binding struct {
	handler   Handler
	executor  s2s.Executor
	chatbotID string
	playback  *audio.PacedQueue

	cancel context.CancelFunc
	once   sync.Once

	mu           sync.Mutex
	enteredInProgress bool
}

// Runner is the Call Runner (C6): the orchestrator that binds one transport
// [Handler] to one provider [s2s.Executor] for the lifetime of a session.
// It owns no state of its own beyond the live binding table — the session
// table and executor cache are owned by their respective components and
// injected via [RunnerConfig].
//
// Grounded on the teacher's internal/agent/orchestrator package (the
// call/session router binding a Discord voice connection to an engine
// instance via subscribed event channels, torn down through one
// cancellation per session) — generalized here from NPC voice-channel
// routing to the spec's handler↔executor binding with cache-backed
// executor reuse and tool dispatch.
type Runner struct {
	cfg RunnerConfig

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	mu       sync.Mutex
	bindings map[string]*binding
}

// NewRunner constructs a [Runner] from its collaborators, filling in
// no-op defaults for Persistence/Recorder if omitted.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Persistence == nil {
		cfg.Persistence = NoopPersistence{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopAudioRecorder{}
	}
	return &Runner{
		cfg:      cfg,
		breakers: make(map[string]*resilience.CircuitBreaker),
		bindings: make(map[string]*binding),
	}
}

func (r *Runner) breakerFor(chatbotID string) *resilience.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[chatbotID]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         fmt.Sprintf("executor-connect/%s", chatbotID),
			MaxFailures:  connectBreakerMaxFailures,
			ResetTimeout: connectBreakerResetTimeout,
		})
		r.breakers[chatbotID] = b
	}
	return b
}

// LoadExecutor returns the cached executor for chatbotID, or builds and
// connects a fresh one from the chatbot's configuration. Returns
// [ErrChatbotNotCallable] if the chatbot is unknown, calls-disabled, or has
// no recognised provider variant — never an error for a transient connect
// failure, which is reported via the returned error from Connect itself
// (wrapped through the per-chatbot circuit breaker).
func (r *Runner) LoadExecutor(ctx context.Context, chatbotID string) (s2s.Executor, error) {
	if ex, ok := r.cfg.Cache.Get(chatbotID); ok {
		return ex, nil
	}

	cb, ok := r.cfg.Chatbots(chatbotID)
	if !ok || !cb.EnabledCall || !cb.CallAIProvider.IsValid() {
		return nil, ErrChatbotNotCallable
	}

	entry, err := r.providerEntryFor(cb.CallAIProvider)
	if err != nil {
		return nil, err
	}

	breaker := r.breakerFor(chatbotID)
	var executor s2s.Executor
	err = breaker.Execute(func() error {
		provider, buildErr := r.cfg.Registry.CreateS2S(entry)
		if buildErr != nil {
			return buildErr
		}
		ex, connErr := provider.Connect(ctx, r.executorConfig(cb))
		if connErr != nil {
			return connErr
		}
		executor = ex
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("call: connect executor for chatbot %q: %w", chatbotID, err)
	}

	r.cfg.Cache.Set(chatbotID, executor)
	return executor, nil
}

func (r *Runner) providerEntryFor(p config.AIProvider) (config.ProviderEntry, error) {
	switch p {
	case config.AIProviderA:
		return r.cfg.Providers.S2SVariantA, nil
	case config.AIProviderB:
		return r.cfg.Providers.S2SVariantB, nil
	default:
		return config.ProviderEntry{}, fmt.Errorf("%w: unknown provider %q", ErrChatbotNotCallable, p)
	}
}

// executorConfig builds the provider-agnostic [s2s.Config] from a chatbot's
// configuration, resolving its registered tool names against the runner's
// [ToolRegistry].
func (r *Runner) executorConfig(cb config.ChatbotConfig) s2s.Config {
	instructions := cb.SystemPrompt
	if instructions == "" {
		instructions = "You are a helpful AI assistant."
	}
	var toolDefs []s2s.ToolDefinition
	if r.cfg.Tools != nil {
		toolDefs = r.cfg.Tools.Definitions(cb.Tools)
	}
	return s2s.Config{
		Instructions:            instructions,
		Voice:                   s2s.VoiceConfig{ID: cb.Voice.VoiceID},
		Tools:                   toolDefs,
		VADSensitivity:          s2s.SensitivityFromThreshold(cb.Voice.VADThreshold),
		VADThreshold:            cb.Voice.VADThreshold,
		PrefixPaddingMs:         cb.Voice.PrefixPaddingMs,
		SilenceDurationMs:       cb.Voice.SilenceDurationMs,
		InputTranscriptionModel: "whisper-1",
		Greeting:                cb.Greeting,
	}
}

// CreateSession reserves a fresh session for chatbotID if (and only if) a
// provider executor can be loaded for it — a disabled or misconfigured
// chatbot returns false with no side effects on the session table.
func (r *Runner) CreateSession(ctx context.Context, chatbotID, companyID, endUserID string, src Source) (Session, bool) {
	cb, ok := r.cfg.Chatbots(chatbotID)
	if !ok || !cb.EnabledCall || !cb.CallAIProvider.IsValid() {
		return Session{}, false
	}
	if _, err := r.LoadExecutor(ctx, chatbotID); err != nil {
		return Session{}, false
	}

	sessionID, callID := NewIDs()
	var aiProvider AIProvider
	switch cb.CallAIProvider {
	case config.AIProviderA:
		aiProvider = ProviderA
	case config.AIProviderB:
		aiProvider = ProviderB
	}
	s := r.cfg.Sessions.CreateSession(CreateSessionParams{
		SessionID:  sessionID,
		CallID:     callID,
		ChatbotID:  chatbotID,
		CompanyID:  companyID,
		EndUserID:  endUserID,
		Source:     src,
		AIProvider: aiProvider,
	})
	r.cfg.Persistence.RecordCall(ctx, callID, sessionID, s)
	return s, true
}

// StartCall binds handler to the executor loaded for the session's
// chatbotId and starts the fan-in goroutines that wire handler↔executor
// events together for the lifetime of the call.
func (r *Runner) StartCall(ctx context.Context, sessionID string, handler Handler) error {
	session, ok := r.cfg.Sessions.GetSession(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	executor, err := r.LoadExecutor(ctx, session.ChatbotID)
	if err != nil {
		r.cfg.Sessions.UpdateSessionStatus(sessionID, StatusFailed)
		return err
	}

	callCtx, cancel := context.WithCancel(ctx)
	b := &binding{
		handler:   handler,
		executor:  executor,
		chatbotID: session.ChatbotID,
		cancel:    cancel,
		playback: audio.NewPacedQueue(audio.PacedQueueConfig{
			ChunkSize: audio.ChunkSize24kMono,
		}),
	}

	r.mu.Lock()
	r.bindings[sessionID] = b
	r.mu.Unlock()

	r.cfg.Sessions.UpdateSessionStatus(sessionID, StatusConnecting)

	go r.pumpHandlerEvents(callCtx, sessionID, b)
	go r.pumpExecutorEvents(callCtx, sessionID, b)
	go r.pumpPlayback(callCtx, sessionID, b)

	return nil
}

// pumpPlayback drains the per-session paced-playback queue and forwards
// each emitted chunk to the handler, implementing the §4.5 pacing contract
// between the executor's bursty audio deltas and the transport.
func (r *Runner) pumpPlayback(ctx context.Context, sessionID string, b *binding) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.playback.Events():
			if !ok {
				return
			}
			if evt.Kind == audio.QueueEventChunk {
				if err := b.handler.SendAudio(evt.Chunk); err != nil {
					slog.Debug("call runner: send audio to handler failed", "session_id", sessionID, "err", err)
				}
			}
		}
	}
}

// pumpHandlerEvents forwards one transport handler's event stream into the
// bound executor and the runner's own lifecycle hooks.
func (r *Runner) pumpHandlerEvents(ctx context.Context, sessionID string, b *binding) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.handler.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case HandlerAudioReceived:
				if err := b.executor.SendAudio(evt.Audio); err != nil {
					slog.Debug("call runner: forward audio to executor failed", "session_id", sessionID, "err", err)
				}
				r.cfg.Sessions.UpdateLastActivity(sessionID)
				r.markInProgressOnce(sessionID, b)
			case HandlerCallEnded:
				r.EndCall(ctx, sessionID, evt.Reason)
				return
			case HandlerError:
				slog.Warn("call runner: handler error", "session_id", sessionID, "err", evt.Err)
			}
		}
	}
}

// pumpExecutorEvents forwards one provider executor's event stream into the
// transport handler, draining audio into the paced playback queue and
// dispatching tool calls off the audio path.
func (r *Runner) pumpExecutorEvents(ctx context.Context, sessionID string, b *binding) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.executor.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case s2s.EventAudio:
				b.playback.Enqueue(evt.Audio)
			case s2s.EventTranscriptDelta:
				b.handler.HandleTranscript(evt.TranscriptText, evt.TranscriptRole)
				if evt.TranscriptFinal {
					r.cfg.Persistence.RecordTranscript(ctx, b.handler.CallID(), evt.TranscriptRole, evt.TranscriptText, time.Now())
				}
			case s2s.EventAgentSpeaking:
				b.playback.Clear()
				b.handler.HandleAgentSpeaking()
				r.markInProgressOnce(sessionID, b)
			case s2s.EventAgentListening:
				b.handler.HandleAgentListening()
			case s2s.EventUserInterrupted:
				b.playback.Interrupt()
				b.handler.HandleUserInterrupted()
			case s2s.EventToolCall:
				go r.dispatchToolCall(ctx, sessionID, b, evt)
			case s2s.EventError:
				slog.Warn("call runner: executor error", "session_id", sessionID, "err", evt.Err)
				r.cfg.Sessions.UpdateSessionStatus(sessionID, StatusFailed)
				r.EndCall(ctx, sessionID, "Provider error")
				return
			case s2s.EventClosed:
				return
			}
		}
	}
}

func (r *Runner) markInProgressOnce(sessionID string, b *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enteredInProgress {
		return
	}
	b.enteredInProgress = true
	r.cfg.Sessions.UpdateSessionStatus(sessionID, StatusInProgress)
}

// toolCallResult is the JSON envelope round-tripped to the provider for
// every tool invocation, matching spec §4.3's {success, data?, error?} shape.
type toolCallResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// escalatePayload is the optional "action":"escalate" shape a tool's data
// may carry, surfaced to the handler as its own event per spec §4.3/§4.6.
type escalatePayload struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	Urgency  string `json:"urgency"`
	Summary  string `json:"summary,omitempty"`
}

func (r *Runner) dispatchToolCall(ctx context.Context, sessionID string, b *binding, evt s2s.Event) {
	session, ok := r.cfg.Sessions.GetSession(sessionID)
	if !ok {
		return
	}
	cb, _ := r.cfg.Chatbots(session.ChatbotID)

	actx := AgentContext{
		ConversationID:      sessionID + ":" + evt.ToolCallID,
		CompanyID:           session.CompanyID,
		ChatbotID:           session.ChatbotID,
		Channel:             SourceWeb,
		KnowledgeCategories: cb.KnowledgeCategories,
		KnowledgeThreshold:  cb.KnowledgeThreshold,
	}

	var result toolCallResult
	if r.cfg.Tools == nil {
		result = toolCallResult{Success: false, Error: "unknown function"}
	} else {
		toolResult := r.cfg.Tools.Execute(ctx, evt.ToolName, actx, evt.ToolArgs)
		if toolResult.Success {
			result = toolCallResult{Success: true, Data: json.RawMessage(toolResult.Data)}
		} else {
			result = toolCallResult{Success: false, Error: toolResult.Error}
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"success":false,"error":"internal: could not encode tool result"}`)
	}
	if err := b.executor.SubmitToolResult(evt.ToolCallID, evt.ToolName, string(payload)); err != nil {
		slog.Warn("call runner: submit tool result failed", "session_id", sessionID, "tool", evt.ToolName, "err", err)
	}

	if !result.Success || len(result.Data) == 0 {
		return
	}
	var esc escalatePayload
	if err := json.Unmarshal(result.Data, &esc); err == nil && esc.Action == "escalate" {
		if ea, ok := b.handler.(EscalationAware); ok {
			ea.HandleEscalate(esc.Reason, esc.Urgency, esc.Summary, actx.ConversationID)
		}
	}
}

// HasBinding reports whether sessionID already has a live handler bound,
// for the websocket server's duplicate-connection check (spec §4.7 step 2).
func (r *Runner) HasBinding(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bindings[sessionID]
	return ok
}

// SendAudio forwards bytes to sessionID's bound executor, touching
// lastActivity. A missing session is a silent no-op.
func (r *Runner) SendAudio(sessionID string, pcm16 []byte) {
	r.cfg.Sessions.UpdateLastActivity(sessionID)
	r.mu.Lock()
	b, ok := r.bindings[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = b.executor.SendAudio(pcm16)
}

// EndCall tears down sessionID's binding, if any, idempotently. The bound
// executor is deliberately left connected in the cache for reuse by a
// future call to the same chatbot; only the transport handler is closed.
func (r *Runner) EndCall(ctx context.Context, sessionID, reason string) {
	session, ok := r.cfg.Sessions.GetSession(sessionID)
	if !ok {
		return
	}

	r.mu.Lock()
	b, bound := r.bindings[sessionID]
	delete(r.bindings, sessionID)
	r.mu.Unlock()

	// A session already moved to a terminal status (silence timeout,
	// provider error) still has its live binding torn down below.
	if session.Status.IsTerminal() && !bound {
		return
	}

	status := session.Status
	if !status.IsTerminal() {
		status = StatusCompleted
		if reason != "" && containsFold(reason, "error", "failed", "fail") {
			status = StatusFailed
		}
		r.cfg.Sessions.UpdateSessionStatus(sessionID, status)
	}

	if bound {
		b.once.Do(func() {
			b.cancel()
			b.playback.Close()
			if b.handler.IsActive() {
				_ = b.handler.End(reason)
			}
		})
	}

	durationMs := time.Since(session.StartedAt).Milliseconds()
	r.cfg.Persistence.UpdateCallStatus(ctx, session.CallID, status, durationMs)
	_ = r.cfg.Recorder.Stop(session.CallID)

	r.cfg.Sessions.EndSession(sessionID)
}

func containsFold(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// InvalidateExecutor evicts and disconnects the cached executor for
// chatbotID so the next call rebuilds it from scratch.
func (r *Runner) InvalidateExecutor(chatbotID string) { r.cfg.Cache.Invalidate(chatbotID) }

// ClearCache empties the executor cache, disconnecting every entry.
func (r *Runner) ClearCache() { r.cfg.Cache.Clear() }

// GetCacheStats returns a snapshot of the executor cache's occupancy.
func (r *Runner) GetCacheStats() CacheStats { return r.cfg.Cache.Stats() }

// GetActiveSessionCount returns the number of non-terminal sessions.
func (r *Runner) GetActiveSessionCount() int { return r.cfg.Sessions.GetActiveSessionCount() }

// Shutdown ends every live call, then stops the session manager and
// executor cache's background timers.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.EndCall(ctx, id, "Server shutting down")
	}

	r.cfg.Sessions.Shutdown()
	r.cfg.Cache.Shutdown()
}
