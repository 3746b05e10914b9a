package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// DefaultMaxTokens bounds one routing completion. Routing replies are a
// sentinel line or a short answer; anything longer is waste.
const DefaultMaxTokens = 1024

// Turn is one conversation message fed to the small LM.
type Turn struct {
	Role string // session.RoleUser or session.RoleAssistant
	Text string
}

// Reply is one completion with its token accounting.
type Reply struct {
	Text   string
	Model  string
	Tokens models.TokenUsage
}

// SmallLM is the routing model client. Implemented by AnthropicLM in
// production and by fakes in tests.
type SmallLM interface {
	Complete(ctx context.Context, system string, turns []Turn) (*Reply, error)
}

// MessagesClient is the slice of the Anthropic SDK the adapter uses,
// satisfied by *sdk.MessageService or a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicLM implements SmallLM over the Anthropic Messages API.
type AnthropicLM struct {
	msg       MessagesClient
	model     string
	maxTokens int64
}

// NewAnthropicLM builds the production small-LM client.
func NewAnthropicLM(apiKey, model string) (*AnthropicLM, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicLM{msg: &client.Messages, model: model, maxTokens: DefaultMaxTokens}, nil
}

// NewAnthropicLMFromClient wires an existing Messages client, for tests.
func NewAnthropicLMFromClient(msg MessagesClient, model string) *AnthropicLM {
	return &AnthropicLM{msg: msg, model: model, maxTokens: DefaultMaxTokens}
}

// Complete issues one non-streaming Messages call and flattens the text
// blocks of the response.
func (c *AnthropicLM) Complete(ctx context.Context, system string, turns []Turn) (*Reply, error) {
	if len(turns) == 0 {
		return nil, errors.New("at least one turn is required")
	}

	msgs := make([]sdk.MessageParam, 0, len(turns))
	for _, turn := range turns {
		if turn.Text == "" {
			continue
		}
		block := sdk.NewTextBlock(turn.Text)
		if turn.Role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(block.Text)
		}
	}

	return &Reply{
		Text:  sb.String(),
		Model: string(msg.Model),
		Tokens: models.TokenUsage{
			Input:       msg.Usage.InputTokens,
			Output:      msg.Usage.OutputTokens,
			CacheCreate: msg.Usage.CacheCreationInputTokens,
			CacheRead:   msg.Usage.CacheReadInputTokens,
		},
	}, nil
}
