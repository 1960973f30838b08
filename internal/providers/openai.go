package providers

import (
	"context"
	"errors"
	"io"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIClient streams from the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIClient struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAI creates a streaming client. baseURL may be empty.
func NewOpenAI(name, apiKey, model, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{name: name, client: openai.NewClientWithConfig(config), model: model}
}

func (c *OpenAIClient) Name() string { return c.name }

// Stream implements StreamProvider.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Delta, <-chan error) {
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

		msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
		if system != "" {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
		}
		for _, m := range turns {
			role := openai.ChatMessageRoleUser
			if m.Role == RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
		}

		creq := openai.ChatCompletionRequest{
			Model:    model,
			Messages: msgs,
			Stream:   true,
		}
		if req.MaxTokens > 0 {
			creq.MaxTokens = req.MaxTokens
		}
		if req.Temperature != nil {
			t := float32(*req.Temperature)
			creq.Temperature = &t
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			errCh <- wrapError(c.name, err)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errCh <- wrapError(c.name, err)
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			text := response.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case deltas <- Delta{Text: text}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return deltas, errCh
}
