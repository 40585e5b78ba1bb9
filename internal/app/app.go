// Package app wires every callcore subsystem into a running service.
//
// App owns the full lifecycle: New builds and connects every subsystem
// (provider registry, session manager, executor cache, tool registry, MCP
// host, transport servers), Run serves HTTP until its context is cancelled,
// and Shutdown tears everything down in reverse-init order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/internal/config"
	"github.com/MrWong99/callcore/internal/health"
	"github.com/MrWong99/callcore/internal/mcp"
	"github.com/MrWong99/callcore/internal/mcp/bridge"
	"github.com/MrWong99/callcore/internal/mcp/mcphost"
	"github.com/MrWong99/callcore/internal/mcp/tools/knowledgetool"
	"github.com/MrWong99/callcore/internal/mcp/tools/memorytool"
	"github.com/MrWong99/callcore/internal/observe"
	"github.com/MrWong99/callcore/internal/server"
	"github.com/MrWong99/callcore/pkg/memory"
	"github.com/MrWong99/callcore/pkg/memory/postgres"
	"github.com/MrWong99/callcore/pkg/provider/embeddings"
	embeddingsollama "github.com/MrWong99/callcore/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/MrWong99/callcore/pkg/provider/embeddings/openai"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callcore/pkg/provider/llm"
	"github.com/MrWong99/callcore/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/callcore/pkg/provider/llm/openai"
	"github.com/MrWong99/callcore/pkg/provider/s2s"
	s2sgemini "github.com/MrWong99/callcore/pkg/provider/s2s/gemini"
	s2sopenai "github.com/MrWong99/callcore/pkg/provider/s2s/openai"
)

// Option configures an [App] at construction, mainly for injecting test
// doubles in place of the real-provider/real-store wiring New would
// otherwise build from cfg.
type Option func(*App)

// WithSessionStore injects a session transcript store instead of one built
// from Memory.PostgresDSN.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessionStore = s }
}

// WithSemanticIndex injects a semantic index instead of one built from
// Memory.PostgresDSN.
func WithSemanticIndex(i memory.SemanticIndex) Option {
	return func(a *App) { a.semanticIndex = i }
}

// WithKnowledgeGraph injects a knowledge graph instead of one built from
// Memory.PostgresDSN.
func WithKnowledgeGraph(g memory.KnowledgeGraph) Option {
	return func(a *App) { a.knowledgeGraph = g }
}

// WithMCPHost injects an MCP host instead of one built from cfg.MCP.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// App owns every subsystem's lifetime and serves the voice call
// orchestration core's HTTP surface.
//
// Grounded on the teacher's internal/app.App (functional-options
// constructor, ordered init* helpers, closers run in order on Shutdown),
// generalized here from NPC/engine/mixer wiring to session
// manager/executor cache/tool registry/runner/HTTP server wiring.
type App struct {
	cfg *config.Config

	registry       *config.Registry
	sessions       *call.Manager
	cache          *call.ExecutorCache
	tools          *call.ToolRegistry
	runner         *call.Runner
	mcpHost        mcp.Host
	sessionStore   memory.SessionStore
	semanticIndex  memory.SemanticIndex
	knowledgeGraph memory.KnowledgeGraph

	httpServer *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// New builds an App: registers provider factories, constructs the call
// orchestration core, wires MCP tools into the registry, and assembles the
// HTTP mux — but does not start serving. Call [App.Run] to do that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	a.registry = config.NewRegistry()
	registerProviders(a.registry)

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.tools = call.NewToolRegistry()
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	a.sessions = call.NewManager(call.ManagerConfig{
		SilenceTimeout:  cfg.Session.SilenceTimeout,
		StaleGCInterval: cfg.Session.StaleGCInterval,
		StaleGCAge:      cfg.Session.StaleGCAge,
		// a.runner is assigned below, before New returns and before any
		// call can go silent long enough to trigger this.
		OnSilenceTimeout: func(sessionID string) {
			a.runner.EndCall(context.Background(), sessionID, "silence timeout")
		},
	})
	a.cache = call.NewExecutorCache(call.ExecutorCacheConfig{
		MaxSize:         cfg.Cache.MaxSize,
		InactivityTTL:   cfg.Cache.InactivityTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	a.runner = call.NewRunner(call.RunnerConfig{
		Sessions:  a.sessions,
		Cache:     a.cache,
		Registry:  a.registry,
		Chatbots:  cfg.ChatbotByID,
		Providers: cfg.Providers,
		Tools:     a.tools,
	})
	// Runner.Shutdown ends every live call, then stops the session manager
	// and executor cache's background timers — it supersedes separate
	// closers for those two components.
	a.closers = append(a.closers, func() error { a.runner.Shutdown(context.Background()); return nil })

	mux := http.NewServeMux()
	a.registerRoutes(mux)

	metrics := observe.DefaultMetrics()
	a.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	return a, nil
}

// initMemory connects the pgvector-backed memory store unless every
// collaborator it would otherwise supply has already been injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.sessionStore != nil && a.semanticIndex != nil && a.knowledgeGraph != nil {
		return nil
	}
	if a.cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn not configured — knowledge search and session transcripts are disabled")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}
	store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return fmt.Errorf("connect memory store: %w", err)
	}
	a.closers = append(a.closers, func() error { store.Close(); return nil })

	if a.sessionStore == nil {
		a.sessionStore = store.L1()
	}
	if a.semanticIndex == nil {
		a.semanticIndex = store.L2()
	}
	if a.knowledgeGraph == nil {
		a.knowledgeGraph = store
	}
	return nil
}

// initMCP constructs the MCP host (unless injected), registers every
// configured server, and runs an initial calibration pass so budget tiers
// reflect measured rather than merely declared latency.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		a.mcpHost = mcphost.New()
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		cfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: mcp.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, cfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	if err := a.mcpHost.Calibrate(ctx); err != nil {
		slog.Warn("mcp calibration failed, using declared latencies", "err", err)
	}
	return nil
}

// initTools registers the built-in knowledge/memory tools (when memory is
// configured) and imports the MCP host's tool catalogue at its deepest
// budget tier; per-call tier narrowing happens downstream via each
// chatbot's configured tool name list, not by withholding definitions here.
func (a *App) initTools(ctx context.Context) error {
	if a.semanticIndex != nil {
		embed, err := a.registry.CreateEmbeddings(a.cfg.Providers.Embeddings)
		if err != nil {
			slog.Warn("embeddings provider unavailable — search_knowledge tool disabled", "err", err)
		} else {
			a.tools.Register(knowledgetool.Definition(), 0, knowledgetool.Handler(a.semanticIndex, embed))
		}
	}
	if a.sessionStore != nil && a.knowledgeGraph != nil {
		for _, t := range memorytool.NewTools(a.sessionStore, a.semanticIndex, a.knowledgeGraph) {
			a.tools.RegisterMCPTool(t)
		}
	}

	b, err := bridge.New(a.mcpHost, a.tools)
	if err != nil {
		return err
	}
	if err := b.Import(ctx, mcp.BudgetDeep); err != nil {
		slog.Warn("mcp tool import failed", "err", err)
	}
	return nil
}

// registerRoutes mounts the WebSocket server, messenger webhook, health
// endpoints, and Prometheus metrics endpoint on mux.
func (a *App) registerRoutes(mux *http.ServeMux) {
	ws := server.NewWebSocketServer(a.sessions, a.runner, a.providerRatesFor)
	ws.Register(mux)

	webhook := server.NewMessengerWebhook(a.cfg.Webhook, a.cfg.ChatbotByMessengerChannel, a.sessions, a.runner, nil)
	webhook.Register(mux)

	h := health.New(health.Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if a.cfg.Providers.S2SVariantA.Name == "" && a.cfg.Providers.S2SVariantB.Name == "" {
				return fmt.Errorf("no realtime provider configured")
			}
			return nil
		},
	})
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// providerRatesFor resolves a chatbot's bound realtime provider's audio
// sample rates, used by the telephony WebSocket handler's resampling path.
func (a *App) providerRatesFor(chatbotID string) (inputRate, outputRate int) {
	cb, ok := a.cfg.ChatbotByID(chatbotID)
	if !ok {
		return 24000, 24000
	}
	outputRate = 24000
	if cb.CallAIProvider == config.AIProviderB {
		return 16000, outputRate
	}
	return 24000, outputRate
}

// Run serves HTTP until ctx is cancelled, then shuts the server down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("callcore listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

const shutdownGrace = 10 * time.Second

// Shutdown tears down every subsystem in reverse-init order, respecting
// ctx's deadline: once it expires, remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Registry returns the provider registry, exposed mainly for tests that
// want to register additional provider factories before New runs — most
// callers never need this.
func (a *App) Registry() *config.Registry { return a.registry }

// anyllmKeyOpt returns a WithAPIKey option when entry carries one, else no
// options (the any-llm-go backend falls back to its provider-conventional
// environment variable).
func anyllmKeyOpt(entry config.ProviderEntry) []anyllmlib.Option {
	if entry.APIKey == "" {
		return nil
	}
	return []anyllmlib.Option{anyllmlib.WithAPIKey(entry.APIKey)}
}

// registerProviders registers every known provider factory for each
// provider kind under the names chatbots and the top-level provider config
// may select. Grounded on the teacher's main.go provider-registration block.
func registerProviders(r *config.Registry) {
	r.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	r.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model, anyllmKeyOpt(e)...)
	})
	r.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model, anyllmKeyOpt(e)...)
	})

	r.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embeddingsopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(e.BaseURL))
		}
		return embeddingsopenai.New(e.APIKey, e.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embeddingsollama.New(e.BaseURL, e.Model)
	})

	r.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []s2sopenai.Option
		if e.Model != "" {
			opts = append(opts, s2sopenai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, s2sopenai.WithBaseURL(e.BaseURL))
		}
		return s2sopenai.New(e.APIKey, opts...), nil
	})
	r.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []s2sgemini.Option
		if e.Model != "" {
			opts = append(opts, s2sgemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, s2sgemini.WithBaseURL(e.BaseURL))
		}
		return s2sgemini.New(e.APIKey, opts...), nil
	})
}
