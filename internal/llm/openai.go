package llm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Generation parameters are fixed per deployment, not user-tunable.
const (
	completionMaxTokens   = 8000
	completionTemperature = 0.2
	completionTopP        = 0.95
)

// CompletionClient serves the chat-completion family. Groq and other
// OpenAI-compatible endpoints are selected with a base URL override.
type CompletionClient struct {
	client *openai.Client
}

func NewCompletionClient(endpoint string, apiKey string, proxyURL string) *CompletionClient {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}

	httpClient := &http.Client{Timeout: 180 * time.Second}
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			zap.L().Warn("invalid proxy url, going direct", zap.Error(err))
		} else {
			httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
		}
	}
	cfg.HTTPClient = httpClient

	return &CompletionClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *CompletionClient) Complete(ctx context.Context, model string, turns []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		text := turn.Text
		if turn.File != nil {
			// Completion endpoints cannot replay remote files; the caption is
			// the only part of such a turn they can see.
			text = turn.File.Caption
		}
		if text == "" {
			continue
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: text,
		})
	}

	zap.L().Debug("completion request", zap.String("model", model), zap.Int("messages", len(messages)))
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   completionMaxTokens,
		Temperature: completionTemperature,
		TopP:        completionTopP,
		Stream:      false,
	})
	if err != nil {
		zap.L().Error("completion request failed", zap.Error(err))
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}

	return resp.Choices[0].Message.Content, nil
}
