package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/callcore/internal/mcp/tools"
	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

// AgentContext carries the per-call identity and scoping information a tool
// handler needs to act on the caller's behalf: which conversation, which
// company/chatbot owns it, which transport it arrived over, and which
// knowledge-base slice it may search.
type AgentContext struct {
	ConversationID      string
	CompanyID           string
	ChatbotID           string
	Channel             Source
	KnowledgeCategories []string
	KnowledgeThreshold  float64
}

// ToolResult is what a tool handler produces for [ToolRegistry.Execute]. Data
// is the JSON-encodable payload returned to the model on success; Error, if
// non-empty, is surfaced to the model as the tool's failure message instead.
type ToolResult struct {
	Success bool
	Data    string
	Error   string
}

// ToolHandler executes one named tool against the calling session's
// [AgentContext]. Implementations must be safe for concurrent use and must
// respect ctx cancellation.
type ToolHandler func(ctx context.Context, actx AgentContext, argsJSON string) ToolResult

// ToolRegistry maps tool names to their executable handlers and the
// [s2s.ToolDefinition] advertised to providers, bridging the MCP built-in
// tool catalog ([tools.Tool], which has no AgentContext-aware signature) to
// the Call Runner's per-session dispatch.
//
// Grounded on the teacher's internal/mcp/bridge/bridge.go (name-keyed tool
// catalogue declared on an S2S session, calls routed back through a single
// dispatch point), adapted here into a concrete name → handler/definition
// map carrying per-call [AgentContext] instead of the teacher's session-only
// binding.
type ToolRegistry struct {
	handlers    map[string]ToolHandler
	definitions map[string]s2s.ToolDefinition
	maxLatency  map[string]time.Duration
}

// NewToolRegistry returns an empty, ready-to-populate registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers:    make(map[string]ToolHandler),
		definitions: make(map[string]s2s.ToolDefinition),
		maxLatency:  make(map[string]time.Duration),
	}
}

// Register adds a tool under its own name, deriving the advertised
// definition from def and enforcing maxLatency as the handler's execution
// timeout.
func (r *ToolRegistry) Register(def s2s.ToolDefinition, maxLatency time.Duration, handler ToolHandler) {
	r.definitions[def.Name] = def
	r.handlers[def.Name] = handler
	r.maxLatency[def.Name] = maxLatency
}

// RegisterMCPTool adapts a built-in MCP [tools.Tool] — whose Handler has no
// AgentContext parameter — into the registry by discarding the
// AgentContext argument before delegating. Used for tools whose behavior
// does not depend on call identity (e.g. the memory lookup tools).
func (r *ToolRegistry) RegisterMCPTool(t tools.Tool) {
	def := s2s.ToolDefinition{
		Name:        t.Definition.Name,
		Description: t.Definition.Description,
		Parameters:  t.Definition.Parameters,
	}
	handler := func(ctx context.Context, _ AgentContext, argsJSON string) ToolResult {
		data, err := t.Handler(ctx, argsJSON)
		if err != nil {
			return ToolResult{Success: false, Error: err.Error()}
		}
		return ToolResult{Success: true, Data: data}
	}
	r.definitions[def.Name] = def
	r.handlers[def.Name] = handler
	r.maxLatency[def.Name] = time.Duration(t.DeclaredMax) * time.Millisecond
}

// Names returns the names of all registered tools for building a chatbot's
// []s2s.ToolDefinition offer list.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}

// Definitions returns the advertised [s2s.ToolDefinition] for each of the
// given tool names, skipping any name that is not registered.
func (r *ToolRegistry) Definitions(names []string) []s2s.ToolDefinition {
	defs := make([]s2s.ToolDefinition, 0, len(names))
	for _, name := range names {
		if d, ok := r.definitions[name]; ok {
			defs = append(defs, d)
		}
	}
	return defs
}

// Execute looks up name and runs it against actx and argsJSON, enforcing the
// tool's declared max-latency timeout. An unknown tool name or a handler
// that exceeds its timeout both produce a failed [ToolResult] rather than an
// error — the model always receives a tool response, never a hang.
func (r *ToolRegistry) Execute(ctx context.Context, name string, actx AgentContext, argsJSON string) ToolResult {
	handler, ok := r.handlers[name]
	if !ok {
		return ToolResult{Success: false, Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if argsJSON == "" {
		argsJSON = "{}"
	}

	timeout := r.maxLatency[name]
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct{ res ToolResult }
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{res: handler(execCtx, actx, argsJSON)}
	}()

	select {
	case o := <-done:
		return o.res
	case <-execCtx.Done():
		return ToolResult{Success: false, Error: fmt.Sprintf("tool %q timed out after %s", name, timeout)}
	}
}

// marshalResult is a convenience used by handlers that build their success
// payload from a Go value rather than a pre-encoded string.
func marshalResult(v any) ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	return ToolResult{Success: true, Data: string(b)}
}
