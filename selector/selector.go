// Package selector defines the pluggable specialist-selection interface used
// by the coordinator and the plumbing shared by its implementations: output
// schema validation and rate limiting. Vendor-backed selectors live in the
// openai and anthropic subpackages.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fipago/mas/df"
)

// ErrNoChoice reports that the selector produced no usable selection; the
// coordinator then falls back to its deterministic rule.
var ErrNoChoice = errors.New("selector: no choice")

// DefaultSystemPrompt instructs the model to act as a routing function and
// answer with the selection JSON only.
const DefaultSystemPrompt = `You route user requests in a multi-agent system.
Given a required capability, the current candidate agents and the recent
conversation history, pick the single best candidate JID. Respond with one
JSON object only, no prose: {"selected_jid": "<jid>", "reason": "<short
justification>", "confidence": <0..1>}. The selected_jid must be one of the
candidate jids.`

type (
	// Input is everything the selector may consider.
	Input struct {
		ConversationID     string         `json:"conversation_id"`
		RequiredCapability string         `json:"required_capability"`
		DFTimestamp        string         `json:"df_timestamp,omitempty"`
		FipaRequest        map[string]any `json:"fipa_request,omitempty"`
		Candidates         []df.Profile   `json:"candidates"`
		History            []any          `json:"history,omitempty"`
	}

	// Choice is the selector's verdict.
	Choice struct {
		SelectedJID string  `json:"selected_jid"`
		Reason      string  `json:"reason,omitempty"`
		Confidence  float64 `json:"confidence,omitempty"`
	}

	// Selector picks one candidate. Implementations return ErrNoChoice when
	// they cannot decide; any error makes the coordinator fall back.
	Selector interface {
		Select(ctx context.Context, in Input) (Choice, error)
	}

	// Func adapts a function to the Selector interface.
	Func func(ctx context.Context, in Input) (Choice, error)
)

// Select calls f.
func (f Func) Select(ctx context.Context, in Input) (Choice, error) {
	return f(ctx, in)
}

const choiceSchema = `{
	"type": "object",
	"required": ["selected_jid"],
	"properties": {
		"selected_jid": {"type": "string", "minLength": 1},
		"reason": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var (
	choiceSchemaOnce sync.Once
	choiceCompiled   *jsonschema.Schema
	choiceSchemaErr  error
)

func compiledChoiceSchema() (*jsonschema.Schema, error) {
	choiceSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(choiceSchema))
		if err != nil {
			choiceSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("choice.json", doc); err != nil {
			choiceSchemaErr = err
			return
		}
		choiceCompiled, choiceSchemaErr = c.Compile("choice.json")
	})
	return choiceCompiled, choiceSchemaErr
}

// DecodeChoice parses and validates a selector's raw JSON output. Model
// output is untrusted; anything that does not match the selection schema
// yields ErrNoChoice.
func DecodeChoice(raw []byte) (Choice, error) {
	schema, err := compiledChoiceSchema()
	if err != nil {
		return Choice{}, fmt.Errorf("selector: compile choice schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Choice{}, fmt.Errorf("%w: invalid json: %v", ErrNoChoice, err)
	}
	if err := schema.Validate(v); err != nil {
		return Choice{}, fmt.Errorf("%w: %v", ErrNoChoice, err)
	}
	var c Choice
	if err := json.Unmarshal(raw, &c); err != nil {
		return Choice{}, fmt.Errorf("%w: %v", ErrNoChoice, err)
	}
	if strings.TrimSpace(c.SelectedJID) == "" {
		return Choice{}, ErrNoChoice
	}
	return c, nil
}

// UserPrompt renders the selection input as the user message sent to a model.
func UserPrompt(in Input) (string, error) {
	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("selector: encode input: %w", err)
	}
	return "Select a specialist for this request:\n" + string(raw), nil
}
