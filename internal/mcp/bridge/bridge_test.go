package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/callcore/internal/call"
	"github.com/MrWong99/callcore/internal/mcp"
	mckmock "github.com/MrWong99/callcore/internal/mcp/mock"
	"github.com/MrWong99/callcore/internal/mcp/bridge"
	"github.com/MrWong99/callcore/pkg/types"
)

func TestNew_NilHost(t *testing.T) {
	t.Parallel()
	_, err := bridge.New(nil, call.NewToolRegistry())
	if err == nil {
		t.Error("expected error for nil host, got nil")
	}
}

func TestNew_NilRegistry(t *testing.T) {
	t.Parallel()
	_, err := bridge.New(&mckmock.Host{}, nil)
	if err == nil {
		t.Error("expected error for nil registry, got nil")
	}
}

func TestImport_RegistersToolDefinitions(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{AvailableToolsResult: []types.ToolDefinition{
		{Name: "dice_roller", Description: "Roll dice"},
	}}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}

	defs := reg.Definitions([]string{"dice_roller"})
	if len(defs) != 1 || defs[0].Name != "dice_roller" {
		t.Errorf("unexpected definitions after import: %v", defs)
	}
	if got := host.CallCount("AvailableTools"); got != 1 {
		t.Errorf("expected 1 AvailableTools call, got %d", got)
	}
}

func TestImport_ToolCallRoutedThroughHost(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{
		AvailableToolsResult: []types.ToolDefinition{{Name: "lookup_order"}},
		ExecuteToolResult:    &mcp.ToolResult{Content: `{"order_id":"48213","status":"shipped"}`},
	}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}

	result := reg.Execute(context.Background(), "lookup_order", call.AgentContext{}, `{"id":"42"}`)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if want := `{"order_id":"48213","status":"shipped"}`; result.Data != want {
		t.Errorf("result.Data = %q, want %q", result.Data, want)
	}

	calls := host.Calls()
	var execCall *mckmock.Call
	for i := range calls {
		if calls[i].Method == "ExecuteTool" {
			execCall = &calls[i]
			break
		}
	}
	if execCall == nil {
		t.Fatal("ExecuteTool call not recorded")
	}
	if execCall.Args[0] != "lookup_order" {
		t.Errorf("ExecuteTool name = %q, want %q", execCall.Args[0], "lookup_order")
	}
	if execCall.Args[1] != `{"id":"42"}` {
		t.Errorf("ExecuteTool args = %q, want %q", execCall.Args[1], `{"id":"42"}`)
	}
}

func TestImport_ToolCallError(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{
		AvailableToolsResult: []types.ToolDefinition{{Name: "broken_tool"}},
		ExecuteToolErr:       errors.New("tool server unavailable"),
	}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}

	result := reg.Execute(context.Background(), "broken_tool", call.AgentContext{}, `{}`)
	if result.Success {
		t.Error("expected failure when ExecuteTool errors")
	}
}

func TestImport_RespectsMaxDuration(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{AvailableToolsResult: []types.ToolDefinition{
		{Name: "slow_tool", MaxDurationMs: 1},
	}}
	// The host declares a 1ms max duration, which Import registers as the
	// tool's enforced timeout in the registry.
	host.ExecuteToolResult = &mcp.ToolResult{Content: `{}`}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}

	// The mock host returns instantly, so this just exercises the
	// short-timeout registration path without actually timing out.
	result := reg.Execute(context.Background(), "slow_tool", call.AgentContext{}, `{}`)
	if !result.Success {
		t.Errorf("expected success for instantly-returning mock host, got error %q", result.Error)
	}
}

func TestImport_CancelledContext(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Import(ctx, mcp.BudgetFast); err == nil {
		t.Error("expected Import to return an error for a cancelled context")
	}
	if got := host.CallCount("AvailableTools"); got != 0 {
		t.Errorf("expected no AvailableTools call on cancelled context, got %d", got)
	}
}

func TestImport_WithToolTimeout(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{AvailableToolsResult: []types.ToolDefinition{{Name: "dice_roller"}}}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg, bridge.WithToolTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New with custom timeout returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}
}

func TestImport_ErrorResultIsMarkedFailed(t *testing.T) {
	t.Parallel()
	host := &mckmock.Host{
		AvailableToolsResult: []types.ToolDefinition{{Name: "errs"}},
		ExecuteToolResult:    &mcp.ToolResult{IsError: true, Content: "boom"},
	}
	reg := call.NewToolRegistry()

	b, err := bridge.New(host, reg)
	if err != nil {
		t.Fatalf("New returned unexpected error: %v", err)
	}
	if err := b.Import(context.Background(), mcp.BudgetFast); err != nil {
		t.Fatalf("Import returned unexpected error: %v", err)
	}

	result := reg.Execute(context.Background(), "errs", call.AgentContext{}, `{}`)
	if result.Success {
		t.Error("expected IsError tool result to surface as a failed ToolResult")
	}
	if result.Error != "boom" {
		t.Errorf("result.Error = %q, want %q", result.Error, "boom")
	}
}
