package governor

// Rate is per-1k-token pricing for one backend.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Pricing maps backend ids to their rates. Backends without an entry are
// priced at zero, which keeps self-hosted or mock backends free to call.
type Pricing map[string]Rate

// Cost prices an observed token usage.
func (p Pricing) Cost(backend string, promptTokens, completionTokens int) float64 {
	rate := p[backend]
	return float64(promptTokens)/1000*rate.PromptPer1K +
		float64(completionTokens)/1000*rate.CompletionPer1K
}

// Estimate prices a call before it is made. Prompt tokens are approximated
// from character count; the completion side assumes the full token budget
// is used, so estimates are deliberately pessimistic.
func (p Pricing) Estimate(backend string, promptChars, maxCompletionTokens int) float64 {
	return p.Cost(backend, promptChars/charsPerToken, maxCompletionTokens)
}

// charsPerToken is the rough prose ratio used wherever token counts must be
// approximated without a tokenizer.
const charsPerToken = 4
