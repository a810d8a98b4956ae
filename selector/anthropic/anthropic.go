// Package anthropic provides a selector.Selector backed by the Anthropic
// Messages API. The model receives the selection input as JSON and must
// answer with the selection object; its output is schema-validated before the
// coordinator trusts it.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fipago/mas/selector"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the selector. It is satisfied by *sdk.MessageService so tests can pass
	// a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client performs the message calls. Required.
		Client MessagesClient
		// Model is the model identifier. Required.
		Model string
		// SystemPrompt overrides selector.DefaultSystemPrompt.
		SystemPrompt string
		// MaxTokens caps the completion. Defaults to 512; the selection
		// object is tiny.
		MaxTokens int64
		// Temperature defaults to 0.
		Temperature float64
	}

	// Selector implements selector.Selector via Anthropic messages.
	Selector struct {
		msg    MessagesClient
		model  string
		system string
		maxTok int64
		temp   float64
	}
)

var _ selector.Selector = (*Selector)(nil)

// New builds an Anthropic-backed selector.
func New(opts Options) (*Selector, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic selector: client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic selector: model is required")
	}
	system := opts.SystemPrompt
	if system == "" {
		system = selector.DefaultSystemPrompt
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 512
	}
	return &Selector{msg: opts.Client, model: opts.Model, system: system, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a selector using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Selector, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic selector: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Messages, Model: model})
}

// Select sends the selection input to the model and validates the answer
// against the selection schema.
func (s *Selector) Select(ctx context.Context, in selector.Input) (selector.Choice, error) {
	user, err := selector.UserPrompt(in)
	if err != nil {
		return selector.Choice{}, err
	}
	msg, err := s.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: s.maxTok,
		System:    []sdk.TextBlockParam{{Text: s.system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
		Temperature: sdk.Float(s.temp),
	})
	if err != nil {
		return selector.Choice{}, fmt.Errorf("anthropic selector: %w", err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return selector.Choice{}, selector.ErrNoChoice
	}
	return selector.DecodeChoice([]byte(text.String()))
}
