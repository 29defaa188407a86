package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/grimoire/pkg/cost"
	"github.com/casualjim/grimoire/pkg/metrics"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/provider"
	"github.com/casualjim/grimoire/store"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	requestType  = "completion"
	providerName = "openai"
)

var _ provider.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option = opts.Option[Provider]

var (
	WithAPIKey     = opts.ForName[Provider, string]("apiKey")
	WithEndpoint   = opts.ForName[Provider, string]("endpoint")
	WithRequestLog = opts.ForName[Provider, store.RequestLog]("requests")
	WithMetrics    = opts.ForName[Provider, metrics.Recorder]("metrics")
)

// WithRequestOptions adds options to every API client the provider creates.
func WithRequestOptions(options ...option.RequestOption) Option {
	return opts.Type[Provider](func(p *Provider) error {
		p.options = append(p.options, options...)
		return nil
	})
}

type Provider struct {
	apiKey   string
	endpoint string
	options  []option.RequestOption
	requests store.RequestLog
	metrics  metrics.Recorder
	clients  *haxmap.Map[string, *openai.Client]
	logger   *slog.Logger
}

func New(options ...Option) *Provider {
	p := &Provider{
		metrics: metrics.Noop{},
		clients: haxmap.New[string, *openai.Client](),
	}
	if err := opts.Apply(p, options); err != nil {
		panic(fmt.Sprintf("openai: invalid options: %v", err))
	}
	p.logger = slog.Default().With(slogx.LoggerName("openai"))
	return p
}

func buildRequest(data provider.CompletionData, params provider.Parameters) openai.CompletionNewParams {
	req := openai.CompletionNewParams{
		Model:            openai.F(openai.CompletionNewParamsModel(data.Model)),
		Prompt:           openai.F[openai.CompletionNewParamsPromptUnion](shared.UnionString(data.Prompt)),
		MaxTokens:        openai.Int(params.MaxTokens),
		Temperature:      openai.Float(params.Temperature),
		TopP:             openai.Float(params.TopP),
		FrequencyPenalty: openai.Float(params.FrequencyPenalty),
		PresencePenalty:  openai.Float(params.PresencePenalty),
	}
	if len(params.Stop) > 0 {
		req.Stop = openai.F[openai.CompletionNewParamsStopUnion](openai.CompletionNewParamsStopArray(params.Stop))
	}
	return req
}

// Complete sends data to the completions endpoint. Failures are logged and
// reported as a Result without success.
func (p *Provider) Complete(ctx context.Context, data provider.CompletionData, projectID string) provider.Result {
	if data.Model == "" {
		p.logger.ErrorContext(ctx, "completion without model", slogx.Project(projectID))
		return provider.Result{}
	}
	params := data.Parameters()

	start := time.Now()
	resp, err := p.client(data.APIKey).Completions.New(ctx, buildRequest(data, params))
	duration := time.Since(start)
	if err != nil {
		attrs := []any{slogx.Error(err), slogx.Project(projectID), slog.String("model", data.Model)}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			attrs = append(attrs, slog.Int("status", apiErr.StatusCode))
		}
		p.logger.ErrorContext(ctx, "completion failed", attrs...)
		p.metrics.RecordCompletion(ctx, data.Model, 0, 0, duration, err)
		return provider.Result{}
	}

	total := cost.CompletionCost(resp.Usage.TotalTokens, cost.ModelFor(data.Model))
	p.metrics.RecordCompletion(ctx, data.Model, resp.Usage.TotalTokens, total, duration, nil)
	p.saveRequest(ctx, data, params, projectID, resp, duration, total)

	if len(resp.Choices) == 0 {
		return provider.Result{}
	}
	choice := resp.Choices[0]
	return provider.Result{
		Success: true,
		Choice: &provider.Choice{
			Text:         choice.Text,
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
		},
	}
}

func (p *Provider) saveRequest(ctx context.Context, data provider.CompletionData, params provider.Parameters, projectID string, resp *openai.Completion, duration time.Duration, total float64) {
	if p.requests == nil {
		return
	}
	responseData, err := json.Marshal(resp)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode completion response", slogx.Error(err))
		return
	}
	parameters, err := json.Marshal(params)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode completion parameters", slogx.Error(err))
		return
	}
	_, err = p.requests.SaveRequest(ctx, store.Request{
		ProjectID:    projectID,
		RequestData:  data.Prompt,
		ResponseData: string(responseData),
		Duration:     duration.Milliseconds(),
		StatusCode:   http.StatusOK,
		Status:       http.StatusText(http.StatusOK),
		Model:        data.Model,
		Parameters:   string(parameters),
		Type:         requestType,
		Provider:     providerName,
		Cost:         total,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to save completion request", slogx.Error(err), slogx.Project(projectID))
	}
}
