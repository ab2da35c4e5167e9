package agent

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ModelClient is the slice of the Anthropic SDK the loop depends on.
// Tests substitute a scripted implementation.
type ModelClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewModelClient builds a ModelClient backed by the Anthropic API.
// baseURL is optional and overrides the default endpoint.
func NewModelClient(apiKey, baseURL string) ModelClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &client.Messages
}
