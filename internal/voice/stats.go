package voice

import (
	"time"

	"github.com/antoniostano/aetherium/internal/llm"
	"github.com/antoniostano/aetherium/internal/transcript"
)

const minGenerationWindow = time.Millisecond

// ComputeUsageStats derives the statistics attached to an assistant message
// once the stream reports final usage. Throughput is measured from the first
// token, or from the request start when no token arrived.
func ComputeUsageStats(usage llm.Usage, requestStart time.Time, firstToken *time.Time, now time.Time) transcript.UsageStats {
	stats := transcript.UsageStats{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		TotalDuration:    now.Sub(requestStart),
	}
	if stats.TotalTokens == 0 {
		stats.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	genStart := requestStart
	if firstToken != nil {
		genStart = *firstToken
		ttft := firstToken.Sub(requestStart)
		stats.TimeToFirstToken = &ttft
	}
	window := now.Sub(genStart)
	if window < minGenerationWindow {
		window = minGenerationWindow
	}
	stats.TokensPerSecond = float64(usage.CompletionTokens) / window.Seconds()
	return stats
}
