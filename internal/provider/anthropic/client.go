// Package anthropic adapts the Anthropic Messages streaming API to the
// provider.Provider interface, trimmed to plain text streaming + usage
// (no tool-calling, thinking blocks, or document citations — this domain
// has no tool use).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/errs"
	"github.com/anrdispatch/dispatchd/internal/provider"
)

// Client adapts the Anthropic SDK to provider.Provider.
type Client struct {
	sdkClient   sdk.Client
	defaultModel string
	highModel    string
	smallModel   string
	maxTokens    int64
}

// Options configures model-class fallback resolution, mirroring the
// teacher's Options struct.
type Options struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int64
}

// New constructs a Client from an API key and Options.
func New(apiKey string, opts Options) *Client {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	return &Client{
		sdkClient:    sdk.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    opts.MaxTokens,
	}
}

func (c *Client) Name() provider.Name { return provider.NameAnthropic }

func (c *Client) Models() []cost.ModelInfo {
	var out []cost.ModelInfo
	for _, m := range cost.Catalog {
		if m.Provider == cost.ProviderAnthropic {
			out = append(out, m)
		}
	}
	return out
}

// ModelForMode maps a mode to a concrete model id, falling back through
// default/high/small model classes.
func (c *Client) ModelForMode(mode cost.Mode) string {
	switch mode {
	case cost.ModeQuick:
		if c.smallModel != "" {
			return c.smallModel
		}
	case cost.ModeMaxToken, cost.ModeLargeFile:
		if c.highModel != "" {
			return c.highModel
		}
	}
	if c.defaultModel != "" {
		return c.defaultModel
	}
	return "claude-3-5-sonnet-20241022"
}

// Stream opens an Anthropic Messages streaming call and returns a Streamer
// translating SSE events into provider.StreamEvent.
func (c *Client) Stream(ctx context.Context, prompt string, params provider.Params, token *cancel.Token) (provider.Streamer, error) {
	if err := token.Check(); err != nil {
		return nil, err
	}
	model := params.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := c.maxTokens
	if params.MaxTokens > 0 {
		maxTokens = int64(params.MaxTokens)
	}

	stream := c.sdkClient.Messages.NewStreaming(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	return newStreamer(ctx, stream), nil
}

// translateAnthropicError classifies SDK errors into the dispatch error
// taxonomy: API responses with status 429 or 5xx are ProviderTransient
// (retryable); every other error, including transport failures that carry
// no API status, is ProviderFatal.
func translateAnthropicError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return errs.New(errs.KindProviderTransient, "anthropic.Stream", apierr.Error(), err).WithProvider("anthropic")
		}
		return errs.New(errs.KindProviderFatal, "anthropic.Stream", apierr.Error(), err).WithProvider("anthropic")
	}
	return errs.New(errs.KindProviderFatal, "anthropic.Stream", fmt.Sprintf("%v", err), err).WithProvider("anthropic")
}
