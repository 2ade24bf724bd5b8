package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mandachat/internal/providers"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls models/{model}:generateContent with the key in the query string.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type generateRequest struct {
	Contents         []content                  `json:"contents"`
	GenerationConfig providers.GenerationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return c.callOnce(ctx, endpointURL, req.APIKey, body)
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, "", fmt.Errorf("model is empty")
	}
	base := strings.TrimSpace(req.BaseURL)
	if base == "" {
		base = c.cfg.BaseURL
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = u.Path + "/models/" + req.Model + ":generateContent"
	u.RawQuery = "key=" + url.QueryEscape(req.APIKey)

	b, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: req.Generation,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, u.String(), nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL, apiKey string, body []byte) (providers.ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build request: %w", providers.RedactURLError(err, apiKey))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return providers.ChatResponse{}, ctxErr
		}
		return providers.ChatResponse{}, fmt.Errorf("request failed: %w", providers.RedactURLError(err, apiKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Code: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil {
			se.Message = providers.Redact(eb.Error.Message, apiKey)
		}
		return providers.ChatResponse{}, se
	}

	return parseGenerate(respBody)
}

// parseGenerate joins every text part of the first candidate. A blocked
// prompt is a successful answer with no text.
func parseGenerate(body []byte) (providers.ChatResponse, error) {
	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode generate response: %w", err)
	}
	out := providers.ChatResponse{
		Model: gr.ModelVersion,
		Usage: providers.Usage{
			PromptTokens:    gr.UsageMetadata.PromptTokenCount,
			CandidateTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:     gr.UsageMetadata.TotalTokenCount,
		},
	}
	if len(gr.Candidates) == 0 {
		out.FinishReason = gr.PromptFeedback.BlockReason
		return out, nil
	}
	first := gr.Candidates[0]
	texts := make([]string, 0, len(first.Content.Parts))
	for _, p := range first.Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	out.Text = strings.Join(texts, "")
	out.FinishReason = first.FinishReason
	return out, nil
}
