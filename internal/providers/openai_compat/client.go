package openai_compat

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

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to chat/completions (or responses) servers. The bearer key,
// endpoint flavour and extra headers come with each request, taken from the
// model profile, so the dispatcher can rotate keys.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return c.callOnce(ctx, req, endpointURL, body)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type responsesRequest struct {
	Model           string    `json:"model"`
	Input           []message `json:"input"`
	Temperature     float64   `json:"temperature"`
	TopP            float64   `json:"top_p"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

// buildPayload sends the assembled prompt as a single user turn; history and
// system prompt are already folded into it.
func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	responses := isResponsesEndpoint(req.Endpoint)
	endpointURL, err := c.buildEndpointURL(req.BaseURL, responses)
	if err != nil {
		return nil, "", err
	}
	gen := req.Generation
	turn := []message{{Role: "user", Content: req.Prompt}}

	var payload any = completionRequest{
		Model:       req.Model,
		Messages:    turn,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxOutputTokens,
		Stop:        gen.StopSequences,
	}
	if responses {
		payload = responsesRequest{
			Model:           req.Model,
			Input:           turn,
			Temperature:     gen.Temperature,
			TopP:            gen.TopP,
			MaxOutputTokens: gen.MaxOutputTokens,
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, chat providers.ChatRequest, endpointURL string, body []byte) (providers.ChatResponse, error) {
	apiKey := chat.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range chat.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", apiKey))
	}

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
		return providers.ChatResponse{}, &providers.StatusError{
			Code:    resp.StatusCode,
			Message: providers.Redact(errorMessage(respBody), apiKey),
		}
	}

	if isResponsesEndpoint(chat.Endpoint) {
		return parseResponsesAPI(respBody)
	}
	return parseChatCompletions(respBody)
}

func (c *Client) buildEndpointURL(override string, responses bool) (string, error) {
	base := strings.TrimSpace(override)
	if base == "" {
		base = strings.TrimSpace(c.cfg.BaseURL)
	}
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if responses {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

func errorMessage(body []byte) string {
	var eb struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &eb) != nil {
		return ""
	}
	return eb.Error.Message
}

func parseChatCompletions(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty choices in chat completion response")
	}
	out := providers.ChatResponse{
		Model:        resp.Model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: providers.Usage{
			PromptTokens:    resp.Usage.PromptTokens,
			CandidateTokens: resp.Usage.CompletionTokens,
			TotalTokens:     resp.Usage.TotalTokens,
		},
	}
	if resp.Choices[0].Text != "" {
		out.Text = resp.Choices[0].Text
		return out, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		out.Text = content
		return out, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("missing message content in chat completion response")
}

func parseResponsesAPI(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		Model      string `json:"model"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode responses api response: %w", err)
	}
	if strings.TrimSpace(resp.OutputText) != "" {
		return providers.ChatResponse{Text: resp.OutputText, Model: resp.Model}, nil
	}
	if len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 && strings.TrimSpace(resp.Output[0].Content[0].Text) != "" {
		return providers.ChatResponse{Text: resp.Output[0].Content[0].Text, Model: resp.Model}, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("missing output text in responses api response")
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
