// Package gemini sends card images to Gemini through the Files API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"

	"cardscan/internal/scan"
)

const (
	ProviderName       = "gemini"
	DefaultModel       = "gemini-1.5-pro"
	DefaultDisplayName = "Uploaded health card image"
)

type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	DisplayName string
}

type fileUploader interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client registers each staged image with the Files API and asks the model to
// extract the card fields from it.
type Client struct {
	files       fileUploader
	models      contentGenerator
	model       string
	displayName string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key must be provided")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newClient(client.Files, client.Models, cfg), nil
}

func newClient(files fileUploader, models contentGenerator, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = DefaultDisplayName
	}
	return &Client{files: files, models: models, model: cfg.Model, displayName: cfg.DisplayName}
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

func (c *Client) Analyze(ctx context.Context, req scan.ExtractionRequest) (string, error) {
	if req.Image == nil {
		return "", scan.NewProviderError(ProviderName, 0, errors.New("no image to analyze"))
	}
	src, err := req.Image.Open()
	if err != nil {
		return "", scan.NewProviderError(ProviderName, 0, fmt.Errorf("open staged image: %w", err))
	}
	defer src.Close()

	file, err := c.files.Upload(ctx, src, &genai.UploadFileConfig{
		MIMEType:    req.MIMEType(),
		DisplayName: c.displayName,
	})
	if err != nil {
		return "", wrapError(fmt.Errorf("upload image: %w", err))
	}

	mimeType := file.MIMEType
	if mimeType == "" {
		mimeType = req.MIMEType()
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{FileData: &genai.FileData{FileURI: file.URI, MIMEType: mimeType}},
			{Text: req.Instruction},
		},
	}}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", wrapError(fmt.Errorf("generate content: %w", err))
	}
	return answerText(resp)
}

func answerText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &scan.ProviderError{Provider: ProviderName, Reason: scan.ReasonService, Err: errors.New("response has no candidates")}
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func wrapError(err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	return scan.NewProviderError(ProviderName, status, err)
}
