package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	KindGemini       = "gemini"
	KindOpenAICompat = "openai_compat"
)

// GenerationConfig is the sampling block sent with every call.
type GenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature"`
	TopP            float64  `json:"topP"`
	TopK            int      `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GenerationOptions are caller overrides; nil fields keep the computed default.
type GenerationOptions struct {
	MaxOutputTokens *int
	Temperature     *float64
	TopP            *float64
	TopK            *int
	StopSequences   []string
}

func (o GenerationOptions) Apply(base GenerationConfig) GenerationConfig {
	out := base
	if o.MaxOutputTokens != nil {
		out.MaxOutputTokens = *o.MaxOutputTokens
	}
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		out.TopP = *o.TopP
	}
	if o.TopK != nil {
		out.TopK = *o.TopK
	}
	if o.StopSequences != nil {
		out.StopSequences = append([]string(nil), o.StopSequences...)
	}
	return out
}

type ChatRequest struct {
	Kind    string
	BaseURL string
	// Endpoint selects the API flavour within a kind, e.g. "responses" for
	// openai_compat. Empty means the kind's default.
	Endpoint   string
	Headers    map[string]string
	Model      string
	APIKey     string
	Prompt     string
	Generation GenerationConfig
}

type Usage struct {
	PromptTokens    int
	CandidateTokens int
	TotalTokens     int
}

type ChatResponse struct {
	Text         string
	FinishReason string
	Usage        Usage
	Model        string
	Credential   string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("provider status %d: %s", e.Code, msg)
}

func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// RedactURLError strips secret from the URL carried by a transport error.
func RedactURLError(err error, secret string) error {
	if secret == "" {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = Redact(ue.URL, secret)
	}
	return err
}

func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(secret), "REDACTED")
	return strings.ReplaceAll(s, secret, "REDACTED")
}
