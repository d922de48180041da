package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"questro/internal/config"
)

// ErrAPIKeyMissing is returned when a call is made without a credential.
var ErrAPIKeyMissing = errors.New("api key missing")

// ProviderError reports a failure of the upstream provider. Its message is
// meant to be shown to the user as is.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerError(provider, op string, err error) error {
	if err == nil {
		return &ProviderError{Provider: provider, Message: op + ": empty reply from " + provider}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
}

// ModelFactory builds the chat model for one call.
type ModelFactory func(ctx context.Context, provider string, cfg config.ProviderConfig, modelName, apiKey string) (model.ToolCallingChatModel, error)

// Request carries the credential and model selection of one gateway call.
type Request struct {
	UserID   int64
	Provider string
	Model    string
	APIKey   string
}

// Gateway forwards prompts to the configured providers and turns their
// replies into records. It keeps no per-call state.
type Gateway struct {
	providers       map[string]config.ProviderConfig
	defaultProvider string
	timeout         time.Duration
	newModel        ModelFactory
	tools           []tool.BaseTool
}

type GatewayOption func(*Gateway)

// WithModelFactory replaces the provider SDK constructors.
func WithModelFactory(f ModelFactory) GatewayOption {
	return func(g *Gateway) { g.newModel = f }
}

// WithTools attaches tools the chat agent may call. Nil tools are skipped.
func WithTools(tools ...tool.BaseTool) GatewayOption {
	return func(g *Gateway) {
		for _, t := range tools {
			if t != nil {
				g.tools = append(g.tools, t)
			}
		}
	}
}

func NewGateway(cfg *config.Config, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:       cfg.Providers,
		defaultProvider: cfg.BasicConfig.DefaultProvider,
		timeout:         time.Duration(cfg.BasicConfig.ProviderTimeoutSeconds) * time.Second,
		newModel:        NewChatModel,
	}
	if g.timeout <= 0 {
		g.timeout = time.Duration(config.DefaultProviderTimeout) * time.Second
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultProvider names the provider used when a request leaves it empty.
func (g *Gateway) DefaultProvider() string {
	return g.defaultProvider
}

// HasProvider reports whether name is configured.
func (g *Gateway) HasProvider(name string) bool {
	_, ok := g.providers[name]
	return ok
}

func (g *Gateway) chatModel(ctx context.Context, req *Request) (model.ToolCallingChatModel, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, ErrAPIKeyMissing
	}
	if req.Provider == "" {
		req.Provider = g.defaultProvider
	}
	provCfg, ok := g.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", req.Provider)
	}
	if req.Model == "" {
		req.Model = provCfg.Model
	}
	m, err := g.newModel(ctx, req.Provider, provCfg, req.Model, req.APIKey)
	if err != nil {
		return nil, providerError(req.Provider, "init model", err)
	}
	return m, nil
}

// generate performs a single non-streamed call.
func (g *Gateway) generate(ctx context.Context, req Request, op string, msgs []*schema.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	m, err := g.chatModel(ctx, &req)
	if err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := m.Generate(ctx, msgs)
	if err != nil {
		slog.Warn("provider call failed", "op", op, "provider", req.Provider, "model", req.Model, "err", err)
		return "", providerError(req.Provider, op, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", providerError(req.Provider, op, nil)
	}
	slog.Debug("provider call", "op", op, "provider", req.Provider, "model", req.Model, "elapsed", time.Since(start))
	return resp.Content, nil
}

// NewChatModel builds the eino chat model of a provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName, apiKey string) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 4096,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}
