package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/callcore/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":           {"openai", "anthropic", "gemini"},
	"embeddings":    {"openai", "ollama"},
	"s2s_variant_a": {"openai-realtime"},
	"s2s_variant_b": {"gemini-live"},
}

// Default session-manager and executor-cache tunables, applied by
// [LoadFromReader] when the corresponding field is zero.
const (
	DefaultSilenceTimeout  = 3 * time.Minute
	DefaultStaleGCInterval = 1 * time.Minute
	DefaultStaleGCAge      = 10 * time.Minute

	DefaultCacheMaxSize         = 100
	DefaultCacheInactivityTTL   = 3 * time.Hour
	DefaultCacheCleanupInterval = 15 * time.Minute
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued tunables with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Session.SilenceTimeout <= 0 {
		cfg.Session.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Session.StaleGCInterval <= 0 {
		cfg.Session.StaleGCInterval = DefaultStaleGCInterval
	}
	if cfg.Session.StaleGCAge <= 0 {
		cfg.Session.StaleGCAge = DefaultStaleGCAge
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = DefaultCacheMaxSize
	}
	if cfg.Cache.InactivityTTL <= 0 {
		cfg.Cache.InactivityTTL = DefaultCacheInactivityTTL
	}
	if cfg.Cache.CleanupInterval <= 0 {
		cfg.Cache.CleanupInterval = DefaultCacheCleanupInterval
	}
	for i := range cfg.Chatbots {
		if cfg.Chatbots[i].Voice.PrefixPaddingMs <= 0 {
			cfg.Chatbots[i].Voice.PrefixPaddingMs = 300
		}
		if cfg.Chatbots[i].Voice.SilenceDurationMs <= 0 {
			cfg.Chatbots[i].Voice.SilenceDurationMs = 700
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("s2s_variant_a", cfg.Providers.S2SVariantA.Name)
	validateProviderName("s2s_variant_b", cfg.Providers.S2SVariantB.Name)

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" && len(cfg.Chatbots) > 0 {
		slog.Warn("memory.postgres_dsn is empty; knowledge-base search will not be available to chatbots")
	}

	// Chatbot duplicate ID detection
	idsSeen := make(map[string]int, len(cfg.Chatbots))

	for i, bot := range cfg.Chatbots {
		prefix := fmt.Sprintf("chatbots[%d]", i)
		if bot.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[bot.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of chatbots[%d]", prefix, bot.ID, prev))
			}
			idsSeen[bot.ID] = i
		}
		if bot.CompanyID == "" {
			errs = append(errs, fmt.Errorf("%s.company_id is required", prefix))
		}
		if bot.CallAIProvider != "" && !bot.CallAIProvider.IsValid() {
			errs = append(errs, fmt.Errorf("%s.call_ai_provider %q is invalid; valid values: a, b", prefix, bot.CallAIProvider))
		}
		if bot.Voice.VADThreshold < 0 || bot.Voice.VADThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s.voice.vad_threshold %.2f is out of range [0, 1]", prefix, bot.Voice.VADThreshold))
		}
		if bot.KnowledgeThreshold < 0 || bot.KnowledgeThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s.knowledge_threshold %.2f is out of range [0, 1]", prefix, bot.KnowledgeThreshold))
		}

		// Call-enablement ↔ provider cross-validation.
		if bot.EnabledCall {
			if bot.CallAIProvider == "" {
				errs = append(errs, fmt.Errorf("%s: enabled_call requires call_ai_provider to be set", prefix))
			}
			if bot.CallAIProvider == AIProviderA && cfg.Providers.S2SVariantA.Name == "" {
				errs = append(errs, fmt.Errorf("%s: call_ai_provider 'a' requires providers.s2s_variant_a to be configured", prefix))
			}
			if bot.CallAIProvider == AIProviderB && cfg.Providers.S2SVariantB.Name == "" {
				errs = append(errs, fmt.Errorf("%s: call_ai_provider 'b' requires providers.s2s_variant_b to be configured", prefix))
			}
		}
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !mcp.Transport(srv.Transport).IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if mcp.Transport(srv.Transport) == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if mcp.Transport(srv.Transport) == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Webhook
	if cfg.Webhook.AppSecret == "" {
		slog.Warn("webhook.app_secret is empty; messenger webhook signature verification is disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
