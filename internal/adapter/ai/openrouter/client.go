// Package openrouter implements the chat client backed by the OpenRouter
// chat-completions API.
package openrouter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/influencerai/worker/internal/adapter/ai/tokencount"
	"github.com/influencerai/worker/internal/adapter/httpx"
	"github.com/influencerai/worker/internal/adapter/observability"
	"github.com/influencerai/worker/internal/config"
	"github.com/influencerai/worker/internal/domain"
)

// Client implements domain.ChatClient over the shared retrying HTTP client.
type Client struct {
	httpc   *httpx.Client
	baseURL string
	apiKey  string
	model   string
	tokens  *tokencount.Counter
}

// New constructs a chat client from worker configuration.
func New(cfg config.Config) *Client {
	return &Client{
		httpc:   httpx.New(cfg.OpenRouterTimeout(), cfg.OpenRouterMaxRetries, cfg.OpenRouterBackoffBase(), cfg.OpenRouterBackoffJitter()),
		baseURL: strings.TrimSuffix(cfg.OpenRouterBaseURL, "/"),
		apiKey:  cfg.OpenRouterAPIKey,
		model:   cfg.OpenRouterModel,
		tokens:  tokencount.NewCounter(),
	}
}

// CallChat calls the chat-completions endpoint and returns the first choice's
// content with the provider usage. When the provider omits usage, a local
// estimate is substituted so cost accounting never sees a gap.
func (c *Client) CallChat(ctx domain.Context, msgs []domain.ChatMessage, opts domain.ChatOptions) (domain.ChatResult, error) {
	if c.apiKey == "" {
		return domain.ChatResult{}, fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	model := opts.Model
	if model == "" {
		model = c.model
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.ResponseFormat != "" {
		body["response_format"] = map[string]string{"type": opts.ResponseFormat}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=openrouter.CallChat: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(ctx, http.MethodPost, c.baseURL+"/chat/completions", header, b)
	observability.ObserveAIRequest("openrouter", "chat", time.Since(start))
	if err != nil {
		slog.Error("chat completion failed", slog.String("model", model), slog.Any("error", err))
		return domain.ChatResult{}, fmt.Errorf("op=openrouter.CallChat: %w", err)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *domain.ChatUsage `json:"usage"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return domain.ChatResult{}, fmt.Errorf("op=openrouter.CallChat: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return domain.ChatResult{}, errors.New("op=openrouter.CallChat: empty choices")
	}

	res := domain.ChatResult{Content: out.Choices[0].Message.Content, Usage: out.Usage}
	if res.Usage == nil {
		est := c.tokens.EstimateUsage(msgs, res.Content, model)
		res.Usage = &est
		slog.Debug("provider omitted usage, substituted estimate",
			slog.String("model", model),
			slog.Int("total_tokens", est.TotalTokens))
	}
	return res, nil
}
