package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ChatbotsChanged bool         // true if any chatbot's prompt, voice, or tool list changed
	ChatbotChanges  []ChatbotDiff // per-chatbot diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ChatbotDiff describes what changed for a single chatbot between two configs.
type ChatbotDiff struct {
	ID                  string
	EnabledCallChanged   bool
	SystemPromptChanged  bool
	VoiceChanged         bool
	ToolsChanged         bool
	KnowledgeScopeChanged bool
	Added                bool
	Removed              bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build chatbot lookup maps keyed by ID.
	oldBots := make(map[string]*ChatbotConfig, len(old.Chatbots))
	for i := range old.Chatbots {
		oldBots[old.Chatbots[i].ID] = &old.Chatbots[i]
	}
	newBots := make(map[string]*ChatbotConfig, len(new.Chatbots))
	for i := range new.Chatbots {
		newBots[new.Chatbots[i].ID] = &new.Chatbots[i]
	}

	// Detect modified and removed chatbots.
	for id, oldBot := range oldBots {
		newBot, exists := newBots[id]
		if !exists {
			d.ChatbotChanges = append(d.ChatbotChanges, ChatbotDiff{
				ID:      id,
				Removed: true,
			})
			d.ChatbotsChanged = true
			continue
		}
		cd := diffChatbot(id, oldBot, newBot)
		if cd.EnabledCallChanged || cd.SystemPromptChanged || cd.VoiceChanged || cd.ToolsChanged || cd.KnowledgeScopeChanged {
			d.ChatbotChanges = append(d.ChatbotChanges, cd)
			d.ChatbotsChanged = true
		}
	}

	// Detect added chatbots.
	for id := range newBots {
		if _, exists := oldBots[id]; !exists {
			d.ChatbotChanges = append(d.ChatbotChanges, ChatbotDiff{
				ID:    id,
				Added: true,
			})
			d.ChatbotsChanged = true
		}
	}

	return d
}

// diffChatbot compares two chatbot configs with the same ID.
func diffChatbot(id string, old, new *ChatbotConfig) ChatbotDiff {
	cd := ChatbotDiff{ID: id}

	if old.EnabledCall != new.EnabledCall {
		cd.EnabledCallChanged = true
	}
	if old.SystemPrompt != new.SystemPrompt {
		cd.SystemPromptChanged = true
	}
	if old.Voice != new.Voice {
		cd.VoiceChanged = true
	}
	if !stringSlicesEqual(old.Tools, new.Tools) {
		cd.ToolsChanged = true
	}
	if !stringSlicesEqual(old.KnowledgeCategories, new.KnowledgeCategories) {
		cd.KnowledgeScopeChanged = true
	}

	return cd
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
