// Package llm wraps the OpenAI API for the pipeline's optional AI paths:
// classification fallback, shipment insight analysis and intent embeddings.
// Every call goes through the protection chain
// (semaphore → completion cache → debounce → rate limit → breaker)
// so a backlog of pending emails cannot exhaust provider quota.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/httputil"
	"shipment_worker/pkg/logger"
	"shipment_worker/pkg/ratelimit"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
)

const DefaultModel = "gpt-4o-mini"
const DefaultEmbeddingModel = "text-embedding-3-small"

type ClientConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	MaxConcurrent  int
	RequestsPerSec int
	DailyBudget    int64 // tokens per day, 0 = unlimited
}

// Client is the shared OpenAI wrapper. One instance serves the classifier,
// the insight analyzer and the embedding provider.
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	temperature    float32

	protector   *ratelimit.LLMProtector
	completions *ratelimit.CompletionCache
	costs       *CostTracker
	breaker     *gobreaker.CircuitBreaker
	embBreaker  *gobreaker.CircuitBreaker
}

// NewClient builds the wrapper. Returns nil when no API key is configured;
// callers hold the noop implementations instead.
func NewClient(cfg ClientConfig, protector *ratelimit.LLMProtector, completions *ratelimit.CompletionCache, costs *CostTracker) *Client {
	if cfg.APIKey == "" {
		return nil
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	if costs == nil {
		costs = NewCostTracker(nil, cfg.DailyBudget)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.HTTPClient = httputil.CompletionClient()

	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		model:          model,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
		temperature:    float32(cfg.Temperature),
		protector:      protector,
		completions:    completions,
		costs:          costs,
		breaker:        newBreaker("openai-completion"),
		embBreaker:     newBreaker("openai-embedding"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("llm circuit breaker state change")
		},
	})
}

// Available reports whether the provider is configured.
func (c *Client) Available() bool {
	return c != nil && c.api != nil
}

// Model returns the configured completion model.
func (c *Client) Model() string {
	return c.model
}

type completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FromCache        bool
}

// completeJSON runs one guarded chat completion in JSON mode. The key keeps
// retried work for the same email from issuing duplicate calls.
func (c *Client) completeJSON(ctx context.Context, key, systemPrompt, userPrompt string) (*completion, error) {
	if !c.Available() {
		return nil, apperr.LLMError("complete", fmt.Errorf("no provider configured"))
	}

	if c.completions != nil {
		if cached, ok := c.completions.Get(ctx, c.model, systemPrompt, userPrompt); ok {
			return &completion{
				Content:   cached.Content,
				Model:     cached.Model,
				FromCache: true,
			}, nil
		}
	}

	if err := c.costs.CheckBudget(ctx, c.model); err != nil {
		return nil, err
	}

	if c.protector != nil {
		result, release := c.protector.AcquireWithWait(ctx, key, 2*time.Second)
		if !result.Allowed {
			return nil, apperr.LLMError("acquire", fmt.Errorf("llm call rejected: %s", result.Reason))
		}
		defer release()
	}

	resp, err := c.breaker.Execute(func() (interface{}, error) {
		return c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
	})
	if err != nil {
		return nil, apperr.LLMError("chat completion", err)
	}

	chatResp := resp.(openai.ChatCompletionResponse)
	if len(chatResp.Choices) == 0 {
		return nil, apperr.LLMError("chat completion", fmt.Errorf("empty response"))
	}

	content := cleanJSONResponse(chatResp.Choices[0].Message.Content)
	out := &completion{
		Content:          content,
		Model:            chatResp.Model,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}

	c.costs.Track(ctx, c.model, out.PromptTokens, out.CompletionTokens)

	if c.completions != nil {
		c.completions.Set(ctx, c.model, systemPrompt, userPrompt, &ratelimit.CachedCompletion{
			Content:    content,
			Model:      out.Model,
			TokensUsed: out.PromptTokens + out.CompletionTokens,
		})
	}

	return out, nil
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.EmbeddingError(fmt.Errorf("empty embedding response"))
	}
	return vectors[0], nil
}

// EmbedBatch returns embedding vectors for the given texts in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.Available() {
		return nil, apperr.EmbeddingError(fmt.Errorf("no provider configured"))
	}
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.embBreaker.Execute(func() (interface{}, error) {
		return c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.embeddingModel),
			Input: texts,
		})
	})
	if err != nil {
		return nil, apperr.EmbeddingError(err)
	}

	embResp := resp.(openai.EmbeddingResponse)
	c.costs.Track(ctx, c.embeddingModel, embResp.Usage.PromptTokens, 0)

	result := make([][]float32, len(embResp.Data))
	for i, data := range embResp.Data {
		result[i] = data.Embedding
	}
	return result, nil
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

func truncateBody(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "..."
}
