package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"mandachat/internal/providers"
	"mandachat/internal/providers/gemini"
	"mandachat/internal/providers/openai_compat"
)

// BuildOptions are the process-wide settings of one transport. Per-model
// details (endpoint flavour, headers, base URL override) travel in each
// ChatRequest.
type BuildOptions struct {
	Kind       string
	BaseURL    string
	HTTPClient *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch normalizeKind(opts.Kind) {
	case providers.KindGemini:
		return gemini.New(gemini.Config{
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	case providers.KindOpenAICompat:
		return openai_compat.New(openai_compat.Config{
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func normalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "gemini", "google":
		return providers.KindGemini
	case "openai_compat", "openai-compatible", "openai":
		return providers.KindOpenAICompat
	default:
		return kind
	}
}

// Router is a Provider that forwards each request to the transport built
// for its Kind.
type Router struct {
	byKind map[string]providers.Provider
}

var _ providers.Provider = (*Router)(nil)

func NewRouter(opts ...BuildOptions) (*Router, error) {
	r := &Router{byKind: map[string]providers.Provider{}}
	for _, o := range opts {
		p, err := Build(o)
		if err != nil {
			return nil, err
		}
		r.byKind[normalizeKind(o.Kind)] = p
	}
	return r, nil
}

// Register replaces the transport for kind.
func (r *Router) Register(kind string, p providers.Provider) {
	r.byKind[normalizeKind(kind)] = p
}

func (r *Router) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p, ok := r.byKind[normalizeKind(req.Kind)]
	if !ok {
		return providers.ChatResponse{}, fmt.Errorf("no transport registered for provider kind %q", req.Kind)
	}
	return p.Chat(ctx, req)
}
