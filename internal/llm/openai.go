package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kalambet/promptlab/internal/composer"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(opts Options) *OpenAI {
	options := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// The pipeline owns the retry policy and never repeats a model call.
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		options = append(options, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		options = append(options, option.WithRequestTimeout(opts.Timeout))
	}

	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	client := openai.NewClient(options...)
	return &OpenAI{client: &client, model: model}
}

// Generate maps the system block to a system message and model turns to
// assistant messages.
func (o *OpenAI) Generate(ctx context.Context, blocks []composer.Block) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch {
		case b.Kind == composer.KindSystem:
			msgs = append(msgs, openai.SystemMessage(b.Text))
		case b.Role == composer.RoleModel:
			msgs = append(msgs, openai.AssistantMessage(b.Text))
		default:
			msgs = append(msgs, openai.UserMessage(b.Text))
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    o.model,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
