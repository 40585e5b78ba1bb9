package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callcore/pkg/memory"
	"github.com/MrWong99/callcore/pkg/memory/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// search_sessions
// ─────────────────────────────────────────────────────────────────────────────

func TestSearchSessions_Success(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{
		SearchResult: []memory.TranscriptEntry{
			{SpeakerID: "caller", Text: "I need to return this order", Timestamp: time.Now()},
			{SpeakerID: "billing-bot", Text: "I can start that return for you", Timestamp: time.Now()},
		},
	}

	handler := makeSearchSessionsHandler(store)
	ctx := context.Background()

	out, err := handler(ctx, `{"query":"return"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entries []memory.TranscriptEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	if n := store.CallCount("Search"); n != 1 {
		t.Errorf("expected 1 Search call, got %d", n)
	}
}

func TestSearchSessions_WithSessionID(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{
		SearchResult: []memory.TranscriptEntry{
			{SpeakerID: "caller", Text: "hello", Timestamp: time.Now()},
		},
	}

	handler := makeSearchSessionsHandler(store)
	ctx := context.Background()

	_, err := handler(ctx, `{"query":"hello","session_id":"session-42"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.SessionID != "session-42" {
		t.Errorf("SessionID = %q, want %q", opts.SessionID, "session-42")
	}
}

func TestSearchSessions_EmptyQuery(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{}
	handler := makeSearchSessionsHandler(store)

	_, err := handler(context.Background(), `{"query":""}`)
	if err == nil {
		t.Error("expected error for empty query")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestSearchSessions_StoreError(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{
		SearchErr: errors.New("database unavailable"),
	}
	handler := makeSearchSessionsHandler(store)

	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err == nil {
		t.Error("expected error from store")
	}
}

func TestSearchSessions_BadJSON(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{}
	handler := makeSearchSessionsHandler(store)

	_, err := handler(context.Background(), `{bad json}`)
	if err == nil {
		t.Error("expected error for bad JSON")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// query_entities
// ─────────────────────────────────────────────────────────────────────────────

func TestQueryEntities_Success(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		FindEntitiesResult: []memory.Entity{
			{ID: "chatbot-1", Type: "chatbot", Name: "billing-bot", Attributes: map[string]any{"team": "billing"}},
		},
	}

	handler := makeQueryEntitiesHandler(graph)
	ctx := context.Background()

	out, err := handler(ctx, `{"name":"billing-bot","type":"chatbot"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entities []memory.Entity
	if err := json.Unmarshal([]byte(out), &entities); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(entities) != 1 {
		t.Errorf("expected 1 entity, got %d", len(entities))
	}
	if entities[0].Name != "billing-bot" {
		t.Errorf("Name = %q, want %q", entities[0].Name, "billing-bot")
	}

	// Verify filter was passed correctly.
	calls := graph.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	filter := calls[0].Args[0].(memory.EntityFilter)
	if filter.Name != "billing-bot" {
		t.Errorf("filter.Name = %q, want %q", filter.Name, "billing-bot")
	}
	if filter.Type != "chatbot" {
		t.Errorf("filter.Type = %q, want %q", filter.Type, "chatbot")
	}
}

func TestQueryEntities_NoFilters(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		FindEntitiesResult: []memory.Entity{
			{ID: "1", Name: "A"},
			{ID: "2", Name: "B"},
		},
	}

	handler := makeQueryEntitiesHandler(graph)
	out, err := handler(context.Background(), `{}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entities []memory.Entity
	if err := json.Unmarshal([]byte(out), &entities); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("expected 2 entities, got %d", len(entities))
	}
}

func TestQueryEntities_GraphError(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		FindEntitiesErr: errors.New("connection refused"),
	}
	handler := makeQueryEntitiesHandler(graph)

	_, err := handler(context.Background(), `{"name":"test"}`)
	if err == nil {
		t.Error("expected error from graph")
	}
}

func TestQueryEntities_EmptyResult(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{} // no result configured → returns empty slice
	handler := makeQueryEntitiesHandler(graph)

	out, err := handler(context.Background(), `{"name":"nobody"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entities []memory.Entity
	if err := json.Unmarshal([]byte(out), &entities); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("expected empty result, got %d entities", len(entities))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// get_summary
// ─────────────────────────────────────────────────────────────────────────────

func TestGetSummary_Success(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		IdentitySnapshotResult: &memory.AgentIdentity{
			Entity: memory.Entity{ID: "chatbot-1", Name: "billing-bot"},
			Relationships: []memory.Relationship{
				{SourceID: "chatbot-1", TargetID: "team-1", RelType: "part_of"},
			},
			RelatedEntities: []memory.Entity{
				{ID: "team-1", Name: "Billing Team"},
			},
		},
	}

	handler := makeGetSummaryHandler(graph)
	out, err := handler(context.Background(), `{"entity_id":"chatbot-1"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var snapshot memory.AgentIdentity
	if err := json.Unmarshal([]byte(out), &snapshot); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if snapshot.Entity.ID != "chatbot-1" {
		t.Errorf("Entity.ID = %q, want %q", snapshot.Entity.ID, "chatbot-1")
	}
	if len(snapshot.Relationships) != 1 {
		t.Errorf("expected 1 relationship, got %d", len(snapshot.Relationships))
	}
}

func TestGetSummary_EmptyEntityID(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{}
	handler := makeGetSummaryHandler(graph)

	_, err := handler(context.Background(), `{"entity_id":""}`)
	if err == nil {
		t.Error("expected error for empty entity_id")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestGetSummary_NotFound(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		IdentitySnapshotResult: nil, // nil means not found
	}
	handler := makeGetSummaryHandler(graph)

	_, err := handler(context.Background(), `{"entity_id":"nonexistent"}`)
	if err == nil {
		t.Error("expected error for missing entity")
	}
}

func TestGetSummary_GraphError(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{
		IdentitySnapshotErr: errors.New("timeout"),
	}
	handler := makeGetSummaryHandler(graph)

	_, err := handler(context.Background(), `{"entity_id":"chatbot-1"}`)
	if err == nil {
		t.Error("expected error from graph")
	}
}

func TestGetSummary_BadJSON(t *testing.T) {
	t.Parallel()
	graph := &mock.KnowledgeGraph{}
	handler := makeGetSummaryHandler(graph)

	_, err := handler(context.Background(), `{bad json}`)
	if err == nil {
		t.Error("expected error for bad JSON")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// search_facts
// ─────────────────────────────────────────────────────────────────────────────

func TestSearchFacts_Success(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{
		SearchResult: []memory.TranscriptEntry{
			{SpeakerID: "billing-bot", Text: "Refunds post within five business days"},
		},
	}

	handler := makeSearchFactsHandler(store)
	out, err := handler(context.Background(), `{"query":"refund","top_k":5}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entries []memory.TranscriptEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}

	// Verify top_k was forwarded as Limit.
	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.Limit != 5 {
		t.Errorf("Limit = %d, want 5", opts.Limit)
	}
}

func TestSearchFacts_DefaultTopK(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{}
	handler := makeSearchFactsHandler(store)

	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	opts := calls[0].Args[1].(memory.SearchOpts)
	if opts.Limit != defaultTopK {
		t.Errorf("Limit = %d, want %d (default)", opts.Limit, defaultTopK)
	}
}

func TestSearchFacts_EmptyQuery(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{}
	handler := makeSearchFactsHandler(store)

	_, err := handler(context.Background(), `{"query":""}`)
	if err == nil {
		t.Error("expected error for empty query")
	}
}

func TestSearchFacts_StoreError(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{
		SearchErr: errors.New("disk full"),
	}
	handler := makeSearchFactsHandler(store)

	_, err := handler(context.Background(), `{"query":"anything"}`)
	if err == nil {
		t.Error("expected error from store")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

func TestNewTools_ReturnsExpectedTools(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{}
	index := &mock.SemanticIndex{}
	graph := &mock.KnowledgeGraph{}

	ts := NewTools(store, index, graph)
	if len(ts) != 4 {
		t.Fatalf("NewTools returned %d tools, want 4", len(ts))
	}

	wantNames := map[string]bool{
		"search_sessions": true,
		"query_entities":  true,
		"get_summary":     true,
		"search_facts":    true,
	}

	for _, tool := range ts {
		if !wantNames[tool.Definition.Name] {
			t.Errorf("unexpected tool name %q", tool.Definition.Name)
		}
		delete(wantNames, tool.Definition.Name)

		if tool.Handler == nil {
			t.Errorf("tool %q has nil Handler", tool.Definition.Name)
		}
		if tool.DeclaredP50 <= 0 {
			t.Errorf("tool %q DeclaredP50 = %d, want > 0", tool.Definition.Name, tool.DeclaredP50)
		}
		if tool.DeclaredMax <= 0 {
			t.Errorf("tool %q DeclaredMax = %d, want > 0", tool.Definition.Name, tool.DeclaredMax)
		}
	}

	for missing := range wantNames {
		t.Errorf("NewTools missing tool %q", missing)
	}
}
