// Package knowledgetool provides the "search_knowledge" built-in tool:
// embedding-based retrieval over a chatbot's indexed knowledge base (the L2
// semantic index), scoped per call by the calling session's knowledge
// categories and relevance threshold.
package knowledgetool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/pkg/memory"
	"github.com/MrWong99/callcore/pkg/provider/embeddings"
	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

const defaultTopK = 5

// args is the JSON-decoded input for the "search_knowledge" tool call.
type args struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// scopedResult is one search result surfaced to the model, carrying only
// what the model needs to ground its answer.
type scopedResult struct {
	Content string  `json:"content"`
	Score   float64 `json:"relevance_score"`
}

// Definition is the tool's advertised schema, registered once for every
// chatbot that lists "search_knowledge" in its tools.
//
// Grounded on spec §9's supplemented knowledge-base search feature and the
// teacher's memorytool package's JSON-schema declaration style.
func Definition() s2s.ToolDefinition {
	return s2s.ToolDefinition{
		Name:        "search_knowledge",
		Description: "Search the chatbot's knowledge base for information relevant to the caller's question. Returns the most relevant passages above the configured relevance threshold. Use this before answering any question that may depend on business-specific knowledge.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The caller's question, or a short natural-language description of the information needed.",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Maximum number of passages to return. Defaults to 5.",
					"minimum":     1,
					"maximum":     20,
				},
			},
			"required": []string{"query"},
		},
	}
}

// Handler returns a [call.ToolHandler] backed by index and embed, scoping
// every search to the calling session's [call.AgentContext] knowledge
// categories and relevance threshold — unlike the teacher's
// [tools.Tool]-shaped built-ins, this handler needs per-call scoping, so it
// is registered directly via [call.ToolRegistry.Register] rather than
// adapted through RegisterMCPTool (which discards AgentContext).
func Handler(index memory.SemanticIndex, embed embeddings.Provider) call.ToolHandler {
	return func(ctx context.Context, actx call.AgentContext, argsJSON string) call.ToolResult {
		var a args
		if err := json.Unmarshal([]byte(argsJSON), &a); err != nil {
			return call.ToolResult{Success: false, Error: fmt.Sprintf("search_knowledge: failed to parse arguments: %v", err)}
		}
		if a.Query == "" {
			return call.ToolResult{Success: false, Error: "search_knowledge: query must not be empty"}
		}
		topK := a.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		vector, err := embed.Embed(ctx, a.Query)
		if err != nil {
			return call.ToolResult{Success: false, Error: fmt.Sprintf("search_knowledge: embed query: %v", err)}
		}

		categories := actx.KnowledgeCategories
		if len(categories) == 0 {
			categories = []string{""}
		}

		var results []scopedResult
		for _, category := range categories {
			catResults, err := searchOneCategory(ctx, index, vector, category, topK, actx.KnowledgeThreshold)
			if err != nil {
				return call.ToolResult{Success: false, Error: fmt.Sprintf("search_knowledge: %v", err)}
			}
			results = append(results, catResults...)
		}

		payload, err := json.Marshal(results)
		if err != nil {
			return call.ToolResult{Success: false, Error: fmt.Sprintf("search_knowledge: failed to encode result: %v", err)}
		}
		return call.ToolResult{Success: true, Data: string(payload)}
	}
}

// searchOneCategory runs one [memory.SemanticIndex.Search] scoped by
// category (via [memory.ChunkFilter.EntityID], the nearest available
// scoping field on the chunk schema), dropping any result whose implied
// cosine similarity falls below threshold.
func searchOneCategory(ctx context.Context, index memory.SemanticIndex, vector []float32, category string, topK int, threshold float64) ([]scopedResult, error) {
	results, err := index.Search(ctx, vector, topK, memory.ChunkFilter{EntityID: category})
	if err != nil {
		return nil, err
	}
	out := make([]scopedResult, 0, len(results))
	for _, r := range results {
		similarity := 1 - r.Distance
		if similarity < threshold {
			continue
		}
		out = append(out, scopedResult{Content: r.Chunk.Content, Score: similarity})
	}
	return out, nil
}
