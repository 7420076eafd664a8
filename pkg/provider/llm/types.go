package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the maximum number of tokens in one completion.
	MaxOutputTokens int

	// SupportsJSONMode reports native JSON object output.
	SupportsJSONMode bool
}

// InputBudget returns how many tokens of input fit when reserving
// MaxOutputTokens for the answer. Never negative.
func (c ModelCapabilities) InputBudget() int {
	return max(0, c.ContextWindow-c.MaxOutputTokens)
}
