// Package chatmodel adapts eino chat models to scan.Analyzer. The image is
// sent inline as a data URL, so no provider-side file registration happens.
package chatmodel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"cardscan/internal/scan"
)

const (
	ProviderOpenAI       = "openai"
	ProviderClaude       = "claude"
	ProviderGeminiInline = "gemini_inline"

	claudeMaxTokens = 1024
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client sends one multimodal user message per extraction.
type Client struct {
	provider string
	model    string
	chat     model.BaseChatModel
}

// New builds the eino chat model for provider.
func New(ctx context.Context, provider string, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key must be provided", provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s model must be provided", provider)
	}

	var (
		chat model.BaseChatModel
		err  error
	)
	switch provider {
	case ProviderOpenAI:
		chat, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	case ProviderGeminiInline:
		clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
		if cfg.BaseURL != "" {
			clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
		}
		client, cerr := genai.NewClient(ctx, clientCfg)
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chat, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", provider, err)
	}
	return newClient(provider, cfg.Model, chat), nil
}

func newClient(provider, modelName string, chat model.BaseChatModel) *Client {
	return &Client{provider: provider, model: modelName, chat: chat}
}

func (c *Client) Name() string  { return c.provider }
func (c *Client) Model() string { return c.model }

func (c *Client) Analyze(ctx context.Context, req scan.ExtractionRequest) (string, error) {
	if req.Image == nil {
		return "", scan.NewProviderError(c.provider, 0, errors.New("no image to analyze"))
	}
	data, err := req.Image.Bytes()
	if err != nil {
		return "", scan.NewProviderError(c.provider, 0, fmt.Errorf("read staged image: %w", err))
	}

	msg, err := c.chat.Generate(ctx, []*schema.Message{userMessage(req, data)})
	if err != nil {
		return "", scan.NewProviderError(c.provider, statusCode(err), fmt.Errorf("generate: %w", err))
	}
	if msg == nil {
		return "", &scan.ProviderError{Provider: c.provider, Reason: scan.ReasonService, Err: errors.New("empty response")}
	}
	return msg.Content, nil
}

// statusCode digs the HTTP status out of the provider SDK error, 0 if none.
func statusCode(err error) int {
	var (
		openaiErr *openai.APIError
		claudeErr *anthropic.Error
		genaiErr  genai.APIError
		genaiPtr  *genai.APIError
	)
	switch {
	case errors.As(err, &openaiErr):
		return openaiErr.HTTPStatusCode
	case errors.As(err, &claudeErr):
		return claudeErr.StatusCode
	case errors.As(err, &genaiErr):
		return genaiErr.Code
	case errors.As(err, &genaiPtr):
		return genaiPtr.Code
	}
	return 0
}

func userMessage(req scan.ExtractionRequest, data []byte) *schema.Message {
	mimeType := req.MIMEType()
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      dataURL(mimeType, data),
					MIMEType: mimeType,
				},
			},
			{
				Type: schema.ChatMessagePartTypeText,
				Text: req.Instruction,
			},
		},
	}
}

func dataURL(mimeType string, data []byte) string {
	var sb strings.Builder
	sb.WriteString("data:")
	sb.WriteString(mimeType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(data))
	return sb.String()
}
