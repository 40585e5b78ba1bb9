package config_test

import (
	"testing"

	"github.com/MrWong99/callcore/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{
			{ID: "bot-1", SystemPrompt: "be nice", EnabledCall: true},
		},
	}
	d := config.Diff(old, old)
	if d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.ChatbotChanges) != 0 {
		t.Errorf("expected 0 chatbot changes, got %d", len(d.ChatbotChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}
	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
}

func TestDiff_SystemPromptChanged(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", SystemPrompt: "v1"}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", SystemPrompt: "v2"}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	if len(d.ChatbotChanges) != 1 {
		t.Fatalf("expected 1 chatbot change, got %d", len(d.ChatbotChanges))
	}
	if !d.ChatbotChanges[0].SystemPromptChanged {
		t.Error("expected SystemPromptChanged=true")
	}
	if d.ChatbotChanges[0].VoiceChanged {
		t.Error("expected VoiceChanged=false")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", Voice: config.VoiceConfig{VoiceID: "alloy"}}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", Voice: config.VoiceConfig{VoiceID: "Kore"}}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	found := false
	for _, cd := range d.ChatbotChanges {
		if cd.ID == "bot-1" && cd.VoiceChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected VoiceChanged=true for bot-1")
	}
}

func TestDiff_EnabledCallChanged(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", EnabledCall: true}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", EnabledCall: false}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	for _, cd := range d.ChatbotChanges {
		if cd.ID == "bot-1" && !cd.EnabledCallChanged {
			t.Error("expected EnabledCallChanged=true for bot-1")
		}
	}
}

func TestDiff_ToolsChanged(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", Tools: []string{"a"}}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1", Tools: []string{"a", "b"}}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
}

func TestDiff_ChatbotAdded(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1"}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1"}, {ID: "bot-2"}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	found := false
	for _, cd := range d.ChatbotChanges {
		if cd.ID == "bot-2" && cd.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected bot-2 to be reported as Added")
	}
}

func TestDiff_ChatbotRemoved(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1"}, {ID: "bot-2"}},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{{ID: "bot-1"}},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	found := false
	for _, cd := range d.ChatbotChanges {
		if cd.ID == "bot-2" && cd.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected bot-2 to be reported as Removed")
	}
}

func TestDiff_MultipleChatbots_OnlyChangedReported(t *testing.T) {
	old := &config.Config{
		Chatbots: []config.ChatbotConfig{
			{ID: "a", SystemPrompt: "x"},
			{ID: "b", SystemPrompt: "y"},
		},
	}
	new := &config.Config{
		Chatbots: []config.ChatbotConfig{
			{ID: "a", SystemPrompt: "x"},
			{ID: "b", SystemPrompt: "z"},
		},
	}
	d := config.Diff(old, new)
	if !d.ChatbotsChanged {
		t.Error("expected ChatbotsChanged=true")
	}
	if len(d.ChatbotChanges) != 1 {
		t.Fatalf("expected exactly 1 chatbot change, got %d", len(d.ChatbotChanges))
	}
	if d.ChatbotChanges[0].ID != "b" {
		t.Errorf("expected change reported for 'b', got %q", d.ChatbotChanges[0].ID)
	}
}
