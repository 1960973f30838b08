package providers

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
)

// AnthropicClient streams from the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates a streaming client.
func NewAnthropic(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(apiKey), model: model}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream implements StreamProvider. The SDK delivers deltas through
// callbacks while CreateMessagesStream blocks.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(deltas)

		model := req.Model
		if model == "" {
			model = c.model
		}
		system, turns := req.system()

		msgs := make([]anthropic.Message, 0, len(turns))
		for _, m := range turns {
			role := anthropic.RoleUser
			if m.Role == RoleAssistant {
				role = anthropic.RoleAssistant
			}
			msgs = append(msgs, anthropic.Message{
				Role:    role,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
			})
		}

		maxTokens := 1024
		if req.MaxTokens > 0 {
			maxTokens = req.MaxTokens
		}
		temperature := float32(0.7)
		if req.Temperature != nil {
			temperature = float32(*req.Temperature)
		}

		sreq := anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:       anthropic.Model(model),
				Messages:    msgs,
				MaxTokens:   maxTokens,
				Temperature: &temperature,
			},
		}
		if system != "" {
			sreq.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
		}

		var streamErr error
		sreq.OnError = func(errResp anthropic.ErrorResponse) {
			streamErr = fmt.Errorf("anthropic streaming error: %s", errResp.Error.Message)
		}
		sreq.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
			if delta.Delta.Type != "text_delta" || delta.Delta.Text == nil {
				return
			}
			select {
			case deltas <- Delta{Text: *delta.Delta.Text}:
			case <-ctx.Done():
			}
		}

		if _, err := c.client.CreateMessagesStream(ctx, sreq); err != nil {
			errCh <- wrapError("anthropic", err)
			return
		}
		if streamErr != nil {
			errCh <- wrapError("anthropic", streamErr)
		}
	}()

	return deltas, errCh
}
