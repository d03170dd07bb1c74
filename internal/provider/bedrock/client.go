// Package bedrock adapts AWS Bedrock's Converse streaming API to the
// provider.Provider interface, the third provider adapter alongside
// anthropic and openai.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/anrdispatch/dispatchd/internal/cancel"
	"github.com/anrdispatch/dispatchd/internal/cost"
	"github.com/anrdispatch/dispatchd/internal/errs"
	"github.com/anrdispatch/dispatchd/internal/provider"
)

// Client adapts the Bedrock runtime SDK to provider.Provider.
type Client struct {
	sdkClient    *bedrockruntime.Client
	defaultModel string
}

// New constructs a Client from an already-configured Bedrock runtime
// client (region/credentials resolved by the caller's aws.Config).
func New(sdkClient *bedrockruntime.Client, defaultModel string) *Client {
	return &Client{sdkClient: sdkClient, defaultModel: defaultModel}
}

func (c *Client) Name() provider.Name { return provider.NameBedrock }

func (c *Client) Models() []cost.ModelInfo {
	var out []cost.ModelInfo
	for _, m := range cost.Catalog {
		if m.Provider == cost.ProviderBedrock {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) ModelForMode(mode cost.Mode) string {
	if c.defaultModel != "" {
		return c.defaultModel
	}
	return "anthropic.claude-3-5-sonnet-20241022-v2:0"
}

// Stream opens a Bedrock ConverseStream call and returns a Streamer
// translating event-stream frames into provider.StreamEvent.
func (c *Client) Stream(ctx context.Context, prompt string, params provider.Params, token *cancel.Token) (provider.Streamer, error) {
	if err := token.Check(); err != nil {
		return nil, err
	}
	model := params.Model
	if model == "" {
		model = c.defaultModel
	}

	out, err := c.sdkClient.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		return nil, translateBedrockError(err)
	}
	return newStreamer(ctx, out.GetStream()), nil
}

func translateBedrockError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException", "ModelTimeoutException":
			return errs.New(errs.KindProviderTransient, "bedrock.Stream", apiErr.ErrorMessage(), err).WithProvider("bedrock")
		default:
			return errs.New(errs.KindProviderFatal, "bedrock.Stream", apiErr.ErrorMessage(), err).WithProvider("bedrock")
		}
	}
	return errs.New(errs.KindProviderFatal, "bedrock.Stream", fmt.Sprintf("%v", err), err).WithProvider("bedrock")
}
