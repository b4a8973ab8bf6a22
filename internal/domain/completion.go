package domain

// CompletionResult is the outcome of one chat-completion request together
// with the quota signals its response carried.
type CompletionResult struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Signals      RateLimitSignals
}

// EstimateTokens predicts the token cost of a prompt before sending it.
// chars/4 approximates the prompt side; maxTokens covers the worst-case
// output. A deliberate overestimate — the safety buffer absorbs the error.
func EstimateTokens(prompt string, maxTokens int) int64 {
	return int64(len(prompt)/4) + int64(maxTokens)
}
