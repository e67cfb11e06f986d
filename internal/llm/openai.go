package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIInvoker calls any OpenAI-compatible chat completions endpoint.
type OpenAIInvoker struct {
	client      *openai.Client
	temperature float32
}

// NewOpenAIInvoker builds an invoker for baseURL (empty uses the OpenAI
// default). Call timeouts are applied per request by WithTimeout.
func NewOpenAIInvoker(baseURL, apiKey string, temperature float32) *OpenAIInvoker {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &OpenAIInvoker{client: openai.NewClientWithConfig(cfg), temperature: temperature}
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", &InvocationError{Model: model, StatusCode: statusOf(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &InvocationError{Model: model, Err: errors.New("empty choices in completion")}
	}
	return resp.Choices[0].Message.Content, nil
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
