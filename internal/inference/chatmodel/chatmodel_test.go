package chatmodel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"cardscan/internal/scan"
)

type fakeChatModel struct {
	input []*schema.Message
	reply *schema.Message
	err   error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func stageImage(t *testing.T) *scan.StagedImage {
	t.Helper()
	stager, err := scan.NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	img, err := stager.Stage(strings.NewReader("abc"), "card.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	t.Cleanup(func() { img.Release() })
	return img
}

func TestAnalyzeSendsInlineImage(t *testing.T) {
	fake := &fakeChatModel{reply: &schema.Message{Role: schema.Assistant, Content: `{"name":"山田太郎"}`}}
	client := newClient(ProviderOpenAI, "gpt-4o", fake)

	answer, err := client.Analyze(context.Background(), scan.NewExtractionRequest(stageImage(t)))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if answer != `{"name":"山田太郎"}` {
		t.Fatalf("unexpected answer %q", answer)
	}
	if len(fake.input) != 1 || fake.input[0].Role != schema.User {
		t.Fatalf("unexpected input %+v", fake.input)
	}
	parts := fake.input[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("expected image and text parts, got %d", len(parts))
	}
	if parts[0].ImageURL == nil || parts[0].ImageURL.URL != "data:image/jpeg;base64,YWJj" {
		t.Fatalf("unexpected image part %+v", parts[0].ImageURL)
	}
	if parts[1].Text != scan.ExtractionInstruction {
		t.Fatalf("instruction not sent")
	}
}

func TestAnalyzeWrapsErrors(t *testing.T) {
	fake := &fakeChatModel{err: context.DeadlineExceeded}
	client := newClient(ProviderClaude, "claude-3-5-sonnet-latest", fake)

	_, err := client.Analyze(context.Background(), scan.NewExtractionRequest(stageImage(t)))
	var perr *scan.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Reason != scan.ReasonTimeout || perr.Provider != ProviderClaude {
		t.Fatalf("unexpected classification %+v", perr)
	}
}

func TestAnalyzeReadsProviderStatus(t *testing.T) {
	claudeErr := &anthropic.Error{
		StatusCode: http.StatusUnauthorized,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: http.StatusUnauthorized},
	}
	tests := []struct {
		name      string
		provider  string
		err       error
		status    int
		reason    scan.Reason
		retryable bool
	}{
		{
			name:     "openai bad key",
			provider: ProviderOpenAI,
			err: &openai.APIError{
				Message:        "Incorrect API key provided",
				HTTPStatus:     "401 Unauthorized",
				HTTPStatusCode: http.StatusUnauthorized,
			},
			status: http.StatusUnauthorized,
			reason: scan.ReasonAuth,
		},
		{
			name:     "claude bad key",
			provider: ProviderClaude,
			err:      fmt.Errorf("create new message fail: %w", claudeErr),
			status:   http.StatusUnauthorized,
			reason:   scan.ReasonAuth,
		},
		{
			name:     "gemini forbidden",
			provider: ProviderGeminiInline,
			err:      genai.APIError{Code: http.StatusForbidden, Message: "permission denied"},
			status:   http.StatusForbidden,
			reason:   scan.ReasonAuth,
		},
		{
			name:      "openai throttled",
			provider:  ProviderOpenAI,
			err:       &openai.APIError{Message: "slow down", HTTPStatusCode: http.StatusTooManyRequests},
			status:    http.StatusTooManyRequests,
			reason:    scan.ReasonRateLimited,
			retryable: true,
		},
		{
			name:      "no status",
			provider:  ProviderOpenAI,
			err:       errors.New("connection reset by peer"),
			reason:    scan.ReasonTransport,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(tt.provider, "m", &fakeChatModel{err: tt.err})
			_, err := client.Analyze(context.Background(), scan.NewExtractionRequest(stageImage(t)))
			var perr *scan.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if perr.StatusCode != tt.status || perr.Reason != tt.reason || perr.Retryable() != tt.retryable {
				t.Fatalf("got status=%d reason=%s retryable=%v", perr.StatusCode, perr.Reason, perr.Retryable())
			}
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), "llama", Config{APIKey: "k", Model: "m"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if _, err := New(context.Background(), ProviderOpenAI, Config{Model: "m"}); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
