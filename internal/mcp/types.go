package mcp

import "github.com/MrWong99/callcore/pkg/types"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// BudgetTier controls which MCP tools are visible to the LLM based on
// latency constraints. It is an alias of [types.BudgetTier]: the host
// interface below is defined in terms of the shared type directly, and this
// alias (plus the re-exported constants) lets every mcphost/tools/tier/bridge
// call site spell it as mcp.BudgetTier without a second import.
type BudgetTier = types.BudgetTier

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast = types.BudgetFast

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard = types.BudgetStandard

	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep = types.BudgetDeep
)
