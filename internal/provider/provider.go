// Package provider implements the abstract ProviderClient external
// collaborator (spec §1/§6): the Frame Generation Queue calls through
// this interface to turn a rendered prompt into frame content, never
// touching a concrete transport client directly.
package provider

import (
	"context"
	"fmt"
	"strings"

	"nodeframe/internal/genqueue"
	"nodeframe/internal/logging"
	"nodeframe/internal/model"

	"google.golang.org/genai"
)

// Client is an alias of genqueue.ProviderClient, the abstract provider
// boundary, so callers can name it from this package.
type Client = genqueue.ProviderClient

// GenAIClient is a ProviderClient backed by Google's Gemini API,
// grounded on codenerd's internal/embedding.GenAIEngine: a *genai.Client
// built once in NewGenAIClient, a fixed default model, structured timing via
// logging.StartTimer.
type GenAIClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGenAIClient builds a GenAIClient. apiKey is required; model
// defaults to "gemini-2.0-flash" when empty, matching
// config.DefaultConfig's provider section.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	timer := logging.StartTimer(logging.CategoryProvider, "NewGenAIClient")
	defer timer.Stop()

	if apiKey == "" {
		return nil, fmt.Errorf("provider: GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("provider: create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, defaultModel: model}, nil
}

// providerTypeGenAI / providerNameGenAI identify this backend in
// committed frame metadata (spec §4.7's "provider"/"provider_type"
// attested keys).
const (
	providerTypeGenAI = "genai"
	providerNameGenAI = "google-genai"
)

// Complete implements genqueue.ProviderClient.
func (c *GenAIClient) Complete(ctx context.Context, messages []genqueue.ProviderMessage, options genqueue.ProviderOptions) (genqueue.CompletionResult, error) {
	timer := logging.StartTimer(logging.CategoryProvider, "GenAIClient.Complete")
	defer timer.Stop()

	model := options.Model
	if model == "" {
		model = c.defaultModel
	}

	var systemPrompt string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			systemPrompt = m.Content
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if options.SystemPrompt != "" {
		systemPrompt = options.SystemPrompt
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(options.MaxTokens)
	}
	if options.Temperature > 0 {
		temp := float32(options.Temperature)
		cfg.Temperature = &temp
	}
	if len(options.Extra) > 0 {
		logging.Get(logging.CategoryProvider).Debugw("ignoring unsupported completion options", "extra", options.Extra)
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return genqueue.CompletionResult{}, fmt.Errorf("%w: %v", nodeframeProviderErr(err), err)
	}

	text := result.Text()
	if text == "" {
		return genqueue.CompletionResult{}, fmt.Errorf("provider: empty completion from model %s", model)
	}
	return genqueue.CompletionResult{
		Text:         text,
		Provider:     providerNameGenAI,
		Model:        model,
		ProviderType: providerTypeGenAI,
	}, nil
}

// ListModels returns the model names this client is configured to
// treat as available. GenAI doesn't have a local registry so this is
// a static advertisement rather than a live API call.
func (c *GenAIClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{c.defaultModel}, nil
}

// nodeframeProviderErr classifies a raw transport error against the
// model.ErrProvider* sentinels genqueue.isRetryable switches on. The
// genai SDK surfaces API errors as plain strings rather than typed
// sentinels, so this is a best-effort substring classification rather
// than a type switch — a generic request-failed sentinel (retryable)
// is the safe default for anything unrecognized.
func nodeframeProviderErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return model.ErrProviderRateLimit
	case strings.Contains(msg, "429"):
		return model.ErrProviderRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission"):
		return model.ErrProviderAuthFailed
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found") && strings.Contains(msg, "model"):
		return model.ErrProviderModelNotFound
	default:
		return model.ErrProviderRequestFailed
	}
}
