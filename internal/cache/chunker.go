package cache

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/llm"
)

// Replay turns a cached completion back into an incremental stream so callers
// cannot distinguish a hit from fresh generation except by the cached flag in
// final metrics. Text is sliced into rune-bounded segments and emission is
// paced by delay.
func Replay(ctx context.Context, resp *llm.Response, chunkSize int, delay time.Duration) *llm.Stream {
	if chunkSize <= 0 {
		chunkSize = 48
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		runes := []rune(resp.Content)
		for i := 0; i < len(runes); i += chunkSize {
			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			chunk := llm.StreamChunk{Content: string(runes[i:end])}
			if end == len(runes) {
				chunk.FinishReason = "stop"
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if delay > 0 && end < len(runes) {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &llm.Stream{Chunks: ch, Provider: resp.Provider, Model: resp.Model}
}
