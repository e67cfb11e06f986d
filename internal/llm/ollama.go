package llm

import (
	"context"
	"errors"

	"github.com/kalambet/quizrag/internal/ollama"
)

// OllamaInvoker runs prompts on a local Ollama model in JSON mode.
type OllamaInvoker struct {
	client      *ollama.Client
	temperature float64
}

// NewOllamaInvoker wraps client.
func NewOllamaInvoker(client *ollama.Client, temperature float64) *OllamaInvoker {
	return &OllamaInvoker{client: client, temperature: temperature}
}

func (o *OllamaInvoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	out, err := o.client.Chat(ctx, model, []ollama.Message{
		{Role: "user", Content: prompt},
	}, ollama.ChatOptions{Format: "json", Temperature: o.temperature})
	if err != nil {
		ie := &InvocationError{Model: OllamaPrefix + model, Err: err}
		var se *ollama.StatusError
		if errors.As(err, &se) {
			ie.StatusCode = se.StatusCode
		}
		return "", ie
	}
	return out, nil
}
