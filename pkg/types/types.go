// Package types defines the shared types used across the call core's
// supporting packages (memory, MCP tools, LLM providers). They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports between
// pkg/memory, pkg/provider/llm, and internal/mcp.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through a
// recording or analysis pipeline outside the realtime call path itself
// (the call runner's own hot path moves raw PCM16 byte slices directly;
// AudioFrame is the richer, rate/channel-tagged unit consumed where that
// context is needed, e.g. the audio recorder collaborator).
type AudioFrame struct {
	// Data holds PCM audio. Sample rate and channel count are determined by
	// the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g. 24000 for a realtime provider's audio delta,
	// 8000 for telephony µ-law).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo (WebRTC output).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency for budget tier assignment.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, used as a hard timeout.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool

	// CacheableSeconds is how long results can be cached (0 = never).
	CacheableSeconds int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// BudgetTier controls which MCP tools are visible to the LLM based on latency constraints.
type BudgetTier int

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast BudgetTier = iota

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard

	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum parallel tool latency for this tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}
