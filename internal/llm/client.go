// Package llm wraps the local OpenAI-compatible completion endpoint that both
// the chains and the judge talk to. Ollama and similar local servers expose
// this surface, so the standard client works against them unchanged.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultRequestTimeout = 120 * time.Second

var ErrEmptyPrompt = errors.New("llm prompt cannot be empty")

// Request carries a single completion call. Deterministic selects
// temperature-zero decoding; every caller in the pipeline, judge included,
// sets it so repeated runs produce comparable outputs.
type Request struct {
	Prompt        string
	Deterministic bool
}

// Client is the narrow completion surface the rest of the pipeline depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Options configures the chat client for a local completion server.
type Options struct {
	// BaseURL is the OpenAI-compatible endpoint, e.g. http://localhost:11434/v1.
	BaseURL string
	// APIKey is forwarded as a bearer token. Local servers ignore it but the
	// client requires a non-empty value to build the Authorization header.
	APIKey string
	// Model is the model name passed on every request.
	Model string
	// RequestTimeout bounds each completion call end to end.
	RequestTimeout time.Duration
	// Transport optionally replaces the HTTP transport, used to layer
	// OpenTelemetry instrumentation onto outbound calls.
	Transport http.RoundTripper
}

type ChatClient struct {
	client *openai.Client
	model  string
}

func NewChatClient(opts Options) (*ChatClient, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("llm base url cannot be empty")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, fmt.Errorf("llm model cannot be empty")
	}

	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = "local"
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimSuffix(baseURL, "/")
	clientConfig.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: opts.Transport,
	}

	return &ChatClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}, nil
}

func (c *ChatClient) Model() string {
	return c.model
}

func (c *ChatClient) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Deterministic {
		// The client omits a zero temperature from the wire request, so the
		// smallest positive value is the closest to greedy decoding it can send.
		chatReq.Temperature = math.SmallestNonzeroFloat32
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("chat completion with model %q: %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion with model %q returned no choices", c.model)
	}

	return resp.Choices[0].Message.Content, nil
}
