package provider

import (
	"context"
)

const (
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 100
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.0
	DefaultPresencePenalty  = 0.0
)

// Provider defines the interface for completion providers.
type Provider interface {
	Complete(ctx context.Context, data CompletionData, projectID string) Result
}

// CompletionData is a completion request. Unset sampling parameters take the
// package defaults; explicit zeros are kept.
type CompletionData struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int64   `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	APIKey           string   `json:"apiKey,omitempty"`
}

// Parameters are the resolved sampling parameters of a request. They are
// recorded with every logged request.
type Parameters struct {
	Temperature      float64  `json:"temperature"`
	MaxTokens        int64    `json:"max_tokens"`
	TopP             float64  `json:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Stop             []string `json:"stop"`
}

// Parameters returns the sampling parameters with defaults applied.
func (d CompletionData) Parameters() Parameters {
	return Parameters{
		Temperature:      valueOr(d.Temperature, DefaultTemperature),
		MaxTokens:        valueOr(d.MaxTokens, DefaultMaxTokens),
		TopP:             valueOr(d.TopP, DefaultTopP),
		FrequencyPenalty: valueOr(d.FrequencyPenalty, DefaultFrequencyPenalty),
		PresencePenalty:  valueOr(d.PresencePenalty, DefaultPresencePenalty),
		Stop:             d.Stop,
	}
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// Choice is the first choice of a completion.
type Choice struct {
	Text         string `json:"text"`
	Index        int64  `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Result reports the outcome of a completion. Choice is nil unless Success.
type Result struct {
	Success bool    `json:"success"`
	Choice  *Choice `json:"choice,omitempty"`
}
