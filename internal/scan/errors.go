package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies why an extraction failed.
type ErrorKind string

const (
	KindNoFileProvided  ErrorKind = "no_file_provided"
	KindInvalidImage    ErrorKind = "invalid_image"
	KindPayloadTooLarge ErrorKind = "payload_too_large"
	KindTransportError  ErrorKind = "transport_error"
	KindInferenceError  ErrorKind = "inference_error"
	KindMalformedAnswer ErrorKind = "malformed_answer"
)

var kindMessages = map[ErrorKind]string{
	KindNoFileProvided:  "画像ファイルが選択されていません",
	KindInvalidImage:    "対応していない画像形式です",
	KindPayloadTooLarge: "画像ファイルが大きすぎます",
	KindTransportError:  "ファイルのアップロードに失敗しました",
	KindInferenceError:  "画像の処理中にエラーが発生しました",
	KindMalformedAnswer: "解析結果を読み取れませんでした",
}

// Message is the text shown to the person who submitted the image.
func (k ErrorKind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindInferenceError]
}

// Failure is the terminal error of one pipeline run. Detail, Err and
// RawAnswer are for server-side logs only.
type Failure struct {
	Kind      ErrorKind
	Stage     Stage
	Reason    string
	Detail    string
	RawAnswer string
	Err       error
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.Stage != "" {
		msg = fmt.Sprintf("%s at %s", f.Kind, f.Stage)
	}
	if f.Reason != "" {
		msg += " (" + f.Reason + ")"
	}
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(kind ErrorKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: err}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Reason describes why a provider call failed.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonCanceled    Reason = "canceled"
	ReasonTransport   Reason = "transport"
	ReasonAuth        Reason = "auth"
	ReasonRateLimited Reason = "rate_limited"
	ReasonService     Reason = "service"
)

// ProviderError is returned by Analyzer implementations.
type ProviderError struct {
	Provider   string
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ProviderError) Retryable() bool {
	switch e.Reason {
	case ReasonTimeout, ReasonTransport, ReasonRateLimited, ReasonService:
		return true
	}
	return false
}

// NewProviderError classifies err for provider. statusCode is the HTTP
// status reported by the provider, or 0 when none was received.
func NewProviderError(provider string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Reason:     classify(statusCode, err),
		StatusCode: statusCode,
		Err:        err,
	}
}

func classify(statusCode int, err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ReasonAuth
	case statusCode == http.StatusTooManyRequests:
		return ReasonRateLimited
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return ReasonTimeout
	case statusCode >= 400:
		return ReasonService
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonTransport
	}
	if statusCode == 0 {
		return ReasonTransport
	}
	return ReasonService
}
