// Package openai adapts the OpenAI chat-completions streaming API to the
// provider.Provider interface.
package openai

import (
	"context"
	"errors"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/errs"
	"github.com/anrdispatch/dispatchd/internal/provider"
)

// Client adapts the OpenAI SDK to provider.Provider.
type Client struct {
	sdkClient openai.Client
	defaultModel string
	fastModel    string
}

// Options configures model-class fallback resolution, mirroring the
// Anthropic adapter's Options shape.
type Options struct {
	DefaultModel string
	FastModel    string
}

// New constructs a Client from an API key and Options.
func New(apiKey string, opts Options) *Client {
	return &Client{
		sdkClient:    openai.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: opts.DefaultModel,
		fastModel:    opts.FastModel,
	}
}

func (c *Client) Name() provider.Name { return provider.NameOpenAI }

func (c *Client) Models() []cost.ModelInfo {
	var out []cost.ModelInfo
	for _, m := range cost.Catalog {
		if m.Provider == cost.ProviderOpenAI {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) ModelForMode(mode cost.Mode) string {
	if mode == cost.ModeQuick && c.fastModel != "" {
		return c.fastModel
	}
	if c.defaultModel != "" {
		return c.defaultModel
	}
	return "gpt-4o"
}

// Stream opens a chat-completions streaming call and returns a Streamer
// translating SSE chunks into provider.StreamEvent.
func (c *Client) Stream(ctx context.Context, prompt string, params provider.Params, token *cancel.Token) (provider.Streamer, error) {
	if err := token.Check(); err != nil {
		return nil, err
	}
	model := params.Model
	if model == "" {
		model = c.defaultModel
	}

	stream := c.sdkClient.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	})
	return newStreamer(ctx, stream), nil
}

func translateOpenAIError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return errs.New(errs.KindProviderTransient, "openai.Stream", apierr.Error(), err).WithProvider("openai")
		}
		return errs.New(errs.KindProviderFatal, "openai.Stream", apierr.Error(), err).WithProvider("openai")
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return errs.New(errs.KindProviderFatal, "openai.Stream", err.Error(), err).WithProvider("openai")
}
