package llm

// Message is a single turn in a conversation with the language model.
type Message struct {
	// Role is the author of the message: "system", "user" or "assistant".
	Role string

	// Content is the textual body of the message.
	Content string

	// Name optionally identifies the speaker behind a user message so the
	// model can distinguish participants in a multi-speaker transcript.
	Name string
}

// ModelCapabilities describes what a concrete model supports. Values are
// static per model and safe to cache.
type ModelCapabilities struct {
	// SupportsStreaming reports whether StreamCompletion is available.
	SupportsStreaming bool

	// ContextWindow is the model's context window size in tokens.
	ContextWindow int

	// MaxOutputTokens is the maximum completion length in tokens.
	MaxOutputTokens int
}
