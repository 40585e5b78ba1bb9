package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/internal/config"
	"github.com/MrWong99/callcore/internal/transport"
)

// webhookEnvelope is the top-level JSON body of a messenger webhook POST,
// per spec §6.
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Calls []webhookCallEvent `json:"calls"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// webhookCallEvent is one event inside entry[*].changes[*].value.calls.
type webhookCallEvent struct {
	Event     string `json:"event"`
	CallID    string `json:"call_id"`
	ChannelID string `json:"to"`
	From      string `json:"from"`

	// connect
	SDPOffer string `json:"sdp_offer"`

	// terminate
	Reason string `json:"reason"`

	// media
	Audio string `json:"audio"`
}

// RejectClient rejects a carrier call the webhook could not resolve to a
// configured chatbot. It is a narrow external collaborator so this
// package never imports a concrete carrier SDK.
type RejectClient interface {
	RejectCall(ctx context.Context, callID, reason string) error
}

// NoopRejectClient discards every reject — used when no AccessToken is
// configured for outbound carrier API calls.
type NoopRejectClient struct{}

func (NoopRejectClient) RejectCall(context.Context, string, string) error { return nil }

// MessengerWebhook implements the H3 messenger transport's HTTP-facing
// collaborator: webhook verification, signature checking, and dispatch of
// connect/terminate/media events into the runner via a negotiated
// [transport.MessengerHandler].
//
// Grounded on spec §4.4 H3/§6/§7 kind 2 (authorization) and the teacher's
// webhook-style HTTP handlers (verify-then-dispatch, HMAC over the raw
// body) found across the other example repos' messaging integrations.
type MessengerWebhook struct {
	cfg      config.WebhookConfig
	chatbots func(channelID string) (config.ChatbotConfig, bool)
	sessions *call.Manager
	runner   *call.Runner
	reject   RejectClient

	stunServers []string

	// handlersMu guards handlers, which maps a carrier call_id to the
	// messenger handler bound to it, so later terminate/media events can
	// be routed without a second lookup collaborator. Webhook POSTs may
	// arrive concurrently.
	handlersMu sync.Mutex
	handlers   map[string]*boundMessenger
}

type boundMessenger struct {
	sessionID string
	handler   *transport.MessengerHandler
}

// NewMessengerWebhook constructs a [MessengerWebhook]. reject may be nil,
// in which case rejects are silently discarded.
func NewMessengerWebhook(cfg config.WebhookConfig, chatbots func(string) (config.ChatbotConfig, bool), sessions *call.Manager, runner *call.Runner, reject RejectClient) *MessengerWebhook {
	if reject == nil {
		reject = NoopRejectClient{}
	}
	return &MessengerWebhook{
		cfg:      cfg,
		chatbots: chatbots,
		sessions: sessions,
		runner:   runner,
		reject:   reject,
		handlers: make(map[string]*boundMessenger),
	}
}

// Register adds the webhook's GET (verification) and POST (event) routes
// to mux.
func (w *MessengerWebhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook/messenger", w.handleVerify)
	mux.HandleFunc("POST /webhook/messenger", w.handleEvent)
}

// handleVerify answers the carrier's subscription challenge, per spec §6:
// returns hub.challenge only if hub.verify_token matches the configured
// value.
func (w *MessengerWebhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != w.cfg.VerifyToken {
		rw.WriteHeader(http.StatusForbidden)
		return
	}
	rw.Header().Set("Content-Type", "text/plain")
	_, _ = rw.Write([]byte(q.Get("hub.challenge")))
}

// handleEvent verifies the request's HMAC signature (if a secret is
// configured), parses the envelope, and dispatches each call event.
func (w *MessengerWebhook) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" && !verifySignature(w.cfg.AppSecret, body, r.Header.Get("x-hub-signature-256")) {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for _, evt := range change.Value.Calls {
				w.dispatch(r.Context(), evt)
			}
		}
	}
	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks header against HMAC-SHA256(secret, body), framed
// as "sha256=<hex>". Uses constant-time comparison.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(got, want) && subtle.ConstantTimeCompare(got, want) == 1
}

func (w *MessengerWebhook) dispatch(ctx context.Context, evt webhookCallEvent) {
	switch evt.Event {
	case "connect":
		w.handleConnect(ctx, evt)
	case "terminate":
		w.handleTerminate(evt)
	case "media":
		w.handleMedia(evt)
	default:
		slog.Debug("messenger webhook: unknown call event", "event", evt.Event)
	}
}

func (w *MessengerWebhook) handleConnect(ctx context.Context, evt webhookCallEvent) {
	cb, ok := w.chatbots(evt.ChannelID)
	if !ok || !cb.EnabledCall || !cb.CallAIProvider.IsValid() {
		_ = w.reject.RejectCall(ctx, evt.CallID, "no_chatbot")
		return
	}

	session, ok := w.runner.CreateSession(ctx, cb.ID, cb.CompanyID, evt.From, call.SourceWhatsApp)
	if !ok {
		_ = w.reject.RejectCall(ctx, evt.CallID, "no_chatbot")
		return
	}

	inputRate, outputRate := providerRatesFor(cb)

	handler, sdpAnswer, err := transport.NegotiateMessengerCall(ctx, session.SessionID, session.CallID, evt.SDPOffer, inputRate, outputRate, w.stunServers)
	if err != nil {
		slog.Warn("messenger webhook: sdp negotiation failed", "call_id", evt.CallID, "err", err)
		_ = w.reject.RejectCall(ctx, evt.CallID, "negotiation_failed")
		w.runner.EndCall(ctx, session.SessionID, "failed: sdp negotiation")
		return
	}

	w.handlersMu.Lock()
	w.handlers[evt.CallID] = &boundMessenger{sessionID: session.SessionID, handler: handler}
	w.handlersMu.Unlock()

	if err := handler.Start(); err != nil {
		slog.Warn("messenger webhook: handler start failed", "call_id", evt.CallID, "err", err)
		return
	}
	go w.pumpUntilStarted(ctx, session.SessionID, handler)

	_ = sdpAnswer // delivered to the carrier via the caller's outbound API response, not modeled here
}

// pumpUntilStarted mirrors [WebSocketServer.run]'s handoff: consume events
// until callStarted, bind to the runner, then stop reading so the runner's
// own pump becomes the channel's sole consumer.
func (w *MessengerWebhook) pumpUntilStarted(ctx context.Context, sessionID string, handler *transport.MessengerHandler) {
	for evt := range handler.Events() {
		if evt.Kind == call.HandlerCallStarted {
			if err := w.runner.StartCall(ctx, sessionID, handler); err != nil {
				slog.Warn("messenger webhook: start call failed", "session_id", sessionID, "err", err)
				_ = handler.End("internal error")
			}
			return
		}
	}
}

func (w *MessengerWebhook) handleTerminate(evt webhookCallEvent) {
	w.handlersMu.Lock()
	b, ok := w.handlers[evt.CallID]
	if ok {
		delete(w.handlers, evt.CallID)
	}
	w.handlersMu.Unlock()
	if !ok {
		return
	}
	w.runner.EndCall(context.Background(), b.sessionID, evt.Reason)
	b.handler.UpdateStatus("completed")
}

func (w *MessengerWebhook) handleMedia(evt webhookCallEvent) {
	w.handlersMu.Lock()
	b, ok := w.handlers[evt.CallID]
	w.handlersMu.Unlock()
	if !ok || evt.Audio == "" {
		return
	}
	// The carrier's media event carries a raw codec payload (not PCM16),
	// while MessengerHandler.HandleAudio expects PCM16, so the payload is
	// discarded: audio reaches the handler only over the negotiated WebRTC
	// session. Most messenger integrations (WhatsApp included) carry audio
	// only over that session.
	_ = b
}

func providerRatesFor(cb config.ChatbotConfig) (inputRate, outputRate int) {
	outputRate = 24000
	switch cb.CallAIProvider {
	case config.AIProviderB:
		inputRate = 16000
	default:
		inputRate = 24000
	}
	return inputRate, outputRate
}
