package openai

import (
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// client returns the API client for apiKey, creating it on first use. An
// empty key selects the configured key.
func (p *Provider) client(apiKey string) *openai.Client {
	if apiKey == "" {
		apiKey = p.apiKey
	}
	c, _ := p.clients.GetOrCompute(apiKey, func() *openai.Client {
		return openai.NewClient(p.requestOptions(apiKey)...)
	})
	return c
}

func (p *Provider) requestOptions(apiKey string) []option.RequestOption {
	var options []option.RequestOption
	if p.endpoint != "" {
		options = append(options, option.WithBaseURL(strings.TrimRight(p.endpoint, "/")+"/"))
	}
	options = append(options, p.options...)
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	return options
}
