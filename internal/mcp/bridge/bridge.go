// Package bridge imports an MCP [mcp.Host]'s tool catalogue into a call's
// [call.ToolRegistry], so chatbots can offer tools backed by external MCP
// servers (or in-process builtins registered with the host) alongside the
// call package's own built-in tools (knowledge search, memory lookup)
// without the runner's dispatch path knowing the difference.
//
// Typical usage, once at startup after the host's servers are registered
// and calibrated:
//
//	b, err := bridge.New(host, registry)
//	if err != nil { ... }
//	if err := b.Import(ctx, mcp.BudgetDeep); err != nil { ... }
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/internal/mcp"
	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

// defaultToolTimeout bounds a single MCP tool execution routed through the
// registry. call.ToolRegistry.Execute already enforces its own per-tool
// timeout; this value is used as the registration's declared max latency
// when the host's own declared duration is zero.
const defaultToolTimeout = 30 * time.Second

// Bridge imports an MCP [mcp.Host]'s tool catalogue into a [call.ToolRegistry].
//
// Unlike the teacher's per-session SessionHandle.SetTools/OnToolCall
// wiring — which could swap a live session's tool set mid-conversation — a
// [call.ToolRegistry] is shared across every chatbot and, per spec §9's
// "capability table" design note, treated as immutable once a call is
// bound to it. Bridge therefore performs a one-shot import at startup
// rather than exposing a live UpdateTier: the host's budget tiers still
// gate which tools are imported, but changing them requires a fresh
// Import call (normally done when the host's server set changes, e.g. on
// config reload), not a per-call operation.
type Bridge struct {
	host        mcp.Host
	registry    *call.ToolRegistry
	toolTimeout time.Duration
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithToolTimeout overrides the max-latency budget applied to imported
// tools whose host definition declares no duration. Default 30s.
func WithToolTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.toolTimeout = d
		}
	}
}

// New constructs a [Bridge] over host, importing tools into registry.
func New(host mcp.Host, registry *call.ToolRegistry, opts ...Option) (*Bridge, error) {
	if host == nil {
		return nil, fmt.Errorf("bridge: host must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("bridge: registry must not be nil")
	}
	b := &Bridge{host: host, registry: registry, toolTimeout: defaultToolTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Import registers every tool visible at tier with the bridge's registry.
// Each registered handler routes its execution back through
// [mcp.Host.ExecuteTool]; the registry's own AgentContext is not forwarded
// to the host, matching the teacher's MCP tools (which carry no per-call
// identity either).
func (b *Bridge) Import(ctx context.Context, tier mcp.BudgetTier) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("bridge: context cancelled before import: %w", err)
	}
	for _, def := range b.host.AvailableTools(tier) {
		timeout := b.toolTimeout
		if def.MaxDurationMs > 0 {
			timeout = time.Duration(def.MaxDurationMs) * time.Millisecond
		}
		b.registry.Register(
			s2s.ToolDefinition{Name: def.Name, Description: def.Description, Parameters: def.Parameters},
			timeout,
			b.handlerFor(def.Name),
		)
	}
	return nil
}

// handlerFor returns a [call.ToolHandler] that executes name via the
// bridged host.
func (b *Bridge) handlerFor(name string) call.ToolHandler {
	return func(ctx context.Context, _ call.AgentContext, argsJSON string) call.ToolResult {
		result, err := b.host.ExecuteTool(ctx, name, argsJSON)
		if err != nil {
			return call.ToolResult{Success: false, Error: fmt.Sprintf("bridge: tool %q execution failed: %v", name, err)}
		}
		if result.IsError {
			return call.ToolResult{Success: false, Error: result.Content}
		}
		return call.ToolResult{Success: true, Data: result.Content}
	}
}
