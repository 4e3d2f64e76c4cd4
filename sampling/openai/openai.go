// Package openai implements sampling.Provider with the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/sampling"
)

// Config for the provider. Defaults can be loaded via envdecode.
type Config struct {
	// APIKey. ENV: OPENAI_API_KEY
	APIKey string `env:"OPENAI_API_KEY"`
	// BaseURL overrides the API endpoint, for proxies and compatible
	// servers. ENV: OPENAI_BASE_URL
	BaseURL string `env:"OPENAI_BASE_URL"`
	// Model used when a request does not name one. ENV: OPENAI_MODEL
	Model string `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	// MaxTokens used when a request does not set one. ENV: OPENAI_MAX_TOKENS
	MaxTokens int64 `env:"OPENAI_MAX_TOKENS,default=1024"`
}

// ErrNoAPIKey is returned by New when Config.APIKey is empty.
var ErrNoAPIKey = errors.New("openai: api key is required")

// Provider sends sample requests to OpenAI.
type Provider struct {
	client    oai.Client
	model     string
	maxTokens int64
}

var _ sampling.Provider = (*Provider)(nil)

func New(cfg Config, opts ...option.RequestOption) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := cfg.Model
	if model == "" {
		model = string(oai.ChatModelGPT4oMini)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv(opts ...option.RequestOption) (*Provider, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode openai config: %w", err)
	}
	return New(cfg, opts...)
}

func (p *Provider) Complete(ctx context.Context, req sampling.Request) (*protocol.SampleResult, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion has no choices")
	}
	choice := completion.Choices[0]
	return &protocol.SampleResult{
		Text:       choice.Message.Content,
		Model:      completion.Model,
		StopReason: string(choice.FinishReason),
	}, nil
}

func (p *Provider) params(req sampling.Request) oai.ChatCompletionNewParams {
	opts := req.Options
	if opts == nil {
		opts = &protocol.SampleOptions{}
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(opts.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case protocol.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		case protocol.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := oai.ChatCompletionNewParams{
		Messages:            msgs,
		Model:               oai.ChatModel(model),
		MaxCompletionTokens: oai.Int(maxTokens),
	}
	if opts.Temperature != nil {
		params.Temperature = oai.Float(*opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopSequences}
	}
	return params
}
