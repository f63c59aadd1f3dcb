// Package tokencount estimates token usage for chat completions when the
// provider response omits a usage block.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library. Counts for
// non-OpenAI model families are approximations against cl100k-style
// encodings, which is adequate for cost accounting.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/influencerai/worker/internal/domain"
)

// Counter provides thread-safe token estimation with cached encodings.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// getEncodingForModel returns the tiktoken encoding for a model, caching it.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo, and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider-prefixed model ids
// (e.g. "meta-llama/llama-3.1-8b-instruct:free") to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Other families tokenize close enough to GPT-4 for estimation.
		return "gpt-4"
	}
}

// CountText counts tokens in a plain string.
func (c *Counter) CountText(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// countMessages counts tokens for a chat request including the per-message
// structure overhead of OpenAI-compatible APIs (3 per message + 1 per role,
// plus 3 priming tokens for the reply).
func (c *Counter) countMessages(msgs []domain.ChatMessage, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		n += 3
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
		n++
	}
	n += 3
	return n, nil
}

// EstimateUsage reconstructs a usage block for a chat call. It never fails:
// when no encoding is available it falls back to a rough ~4 chars/token
// estimate. The returned usage is marked Estimated.
func (c *Counter) EstimateUsage(msgs []domain.ChatMessage, completion, model string) domain.ChatUsage {
	promptTokens, err := c.countMessages(msgs, model)
	if err != nil {
		slog.Warn("prompt token count failed, using rough estimate",
			slog.String("model", model),
			slog.Any("error", err))
		total := 0
		for _, m := range msgs {
			total += len(m.Content)
		}
		promptTokens = total / 4
	}

	completionTokens, err := c.CountText(completion, model)
	if err != nil {
		slog.Warn("completion token count failed, using rough estimate",
			slog.String("model", model),
			slog.Any("error", err))
		completionTokens = len(completion) / 4
	}

	return domain.ChatUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}
}
