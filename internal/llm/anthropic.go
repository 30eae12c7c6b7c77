package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicCompleter talks to the Anthropic Messages API.
type AnthropicCompleter struct {
	client *anthropic.Client
}

// NewAnthropic creates a completer with a static API key. An empty key
// falls back to the SDK's environment lookup.
func NewAnthropic(apiKey string) *AnthropicCompleter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicCompleter{client: &client}
}

func (c *AnthropicCompleter) Name() string { return "anthropic" }

// Complete resolves the model alias, runs the request, and prices the
// result from measured token usage. Streaming keeps long generations
// from tripping the SDK's request timeout; chunks are accumulated and
// returned whole.
func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (*Completion, error) {
	modelID, err := ResolveModel(req.Model)
	if err != nil {
		return nil, &BackendError{Provider: c.Name(), Message: err.Error()}
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := c.client.Messages.NewStreaming(ctx, params,
		option.WithRequestTimeout(10*time.Minute),
	)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &BackendError{Provider: c.Name(), Message: fmt.Sprintf("stream accumulate: %v", err)}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, &BackendError{Provider: c.Name(), Message: err.Error()}
	}

	var text string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += textBlock.Text
		}
	}

	in := int(message.Usage.InputTokens)
	out := int(message.Usage.OutputTokens)
	return &Completion{
		Text:         text,
		Model:        string(message.Model),
		InputTokens:  in,
		OutputTokens: out,
		CostMicros:   Cost(req.Model, in, out),
		StopReason:   string(message.StopReason),
	}, nil
}
