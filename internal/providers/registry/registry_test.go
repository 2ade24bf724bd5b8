package registry

import (
	"context"
	"testing"

	"mandachat/internal/providers"
	"mandachat/internal/providers/gemini"
	"mandachat/internal/providers/openai_compat"
)

type stubProvider struct {
	got providers.ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	s.got = req
	return providers.ChatResponse{Text: "stub:" + req.Model}, nil
}

func TestBuildKinds(t *testing.T) {
	p, err := Build(BuildOptions{Kind: ""})
	if err != nil {
		t.Fatalf("build default: %v", err)
	}
	if _, ok := p.(*gemini.Client); !ok {
		t.Fatalf("expected gemini client for empty kind, got %T", p)
	}
	p, err = Build(BuildOptions{Kind: "openai-compatible", BaseURL: "http://x/v1"})
	if err != nil {
		t.Fatalf("build openai: %v", err)
	}
	if _, ok := p.(*openai_compat.Client); !ok {
		t.Fatalf("expected openai_compat client, got %T", p)
	}
	if _, err := Build(BuildOptions{Kind: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRouterDispatchesByKind(t *testing.T) {
	r, err := NewRouter(BuildOptions{Kind: providers.KindGemini})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	stub := &stubProvider{}
	r.Register("openai", stub)

	resp, err := r.Chat(context.Background(), providers.ChatRequest{Kind: providers.KindOpenAICompat, Model: "llama"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "stub:llama" || stub.got.Model != "llama" {
		t.Fatalf("request not routed to the registered transport: %+v", resp)
	}

	empty, _ := NewRouter()
	if _, err := empty.Chat(context.Background(), providers.ChatRequest{Kind: "gemini"}); err == nil {
		t.Fatalf("expected error for unregistered kind")
	}
}
