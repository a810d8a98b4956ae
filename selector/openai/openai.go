// Package openai provides a selector.Selector backed by the OpenAI Chat
// Completions API. The model receives the selection input as JSON and must
// answer with the selection object; its output is schema-validated before the
// coordinator trusts it.
package openai

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/fipago/mas/selector"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// selector. It is satisfied by *oai.ChatCompletionService so tests can
	// pass a mock.
	ChatClient interface {
		New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client performs the completion calls. Required.
		Client ChatClient
		// Model is the model identifier. Required.
		Model string
		// SystemPrompt overrides selector.DefaultSystemPrompt.
		SystemPrompt string
		// Temperature defaults to 0.
		Temperature float64
	}

	// Selector implements selector.Selector via OpenAI chat completions.
	Selector struct {
		chat   ChatClient
		model  string
		system string
		temp   float64
	}
)

var _ selector.Selector = (*Selector)(nil)

// New builds an OpenAI-backed selector.
func New(opts Options) (*Selector, error) {
	if opts.Client == nil {
		return nil, errors.New("openai selector: client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai selector: model is required")
	}
	system := opts.SystemPrompt
	if system == "" {
		system = selector.DefaultSystemPrompt
	}
	return &Selector{chat: opts.Client, model: opts.Model, system: system, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a selector using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, model string) (*Selector, error) {
	if apiKey == "" {
		return nil, errors.New("openai selector: api key is required")
	}
	client := oai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Chat.Completions, Model: model})
}

// Select sends the selection input to the model in JSON mode and validates
// the answer against the selection schema.
func (s *Selector) Select(ctx context.Context, in selector.Input) (selector.Choice, error) {
	user, err := selector.UserPrompt(in)
	if err != nil {
		return selector.Choice{}, err
	}
	resp, err := s.chat.New(ctx, oai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(s.system),
			oai.UserMessage(user),
		},
		Temperature: oai.Float(s.temp),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return selector.Choice{}, fmt.Errorf("openai selector: %w", err)
	}
	if len(resp.Choices) == 0 {
		return selector.Choice{}, selector.ErrNoChoice
	}
	return selector.DecodeChoice([]byte(resp.Choices[0].Message.Content))
}
