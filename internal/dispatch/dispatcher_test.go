package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mandachat/internal/aiconfig"
	"mandachat/internal/clock"
	"mandachat/internal/credentials"
	"mandachat/internal/prompt"
	"mandachat/internal/providers"
	"mandachat/internal/ratelimit"
	"mandachat/internal/storage"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls []providers.ChatRequest
	// reply decides the outcome of call n (0-based).
	reply func(n int, req providers.ChatRequest) (providers.ChatResponse, error)
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return p.reply(n, req)
}

func (p *scriptedProvider) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.APIKey
	}
	return out
}

func ok(text string) func(int, providers.ChatRequest) (providers.ChatResponse, error) {
	return func(int, providers.ChatRequest) (providers.ChatResponse, error) {
		return providers.ChatResponse{Text: text}, nil
	}
}

type fixture struct {
	kv       storage.KV
	settings *aiconfig.Store
	creds    *credentials.Store
	clock    *clock.Manual
	provider *scriptedProvider
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemory()
	settings := aiconfig.NewStore(aiconfig.Config{KV: kv, Logger: zerolog.Nop()})
	if err := settings.Init(ctx); err != nil {
		t.Fatalf("settings init: %v", err)
	}
	creds := credentials.NewStore(credentials.Config{KV: kv, Logger: zerolog.Nop()})
	if err := creds.Init(ctx); err != nil {
		t.Fatalf("credentials init: %v", err)
	}
	for _, k := range keys {
		if _, err := creds.Add(ctx, k, ""); err != nil {
			t.Fatalf("add credential: %v", err)
		}
	}
	return &fixture{
		kv:       kv,
		settings: settings,
		creds:    creds,
		clock:    clock.NewManual(time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)),
		provider: &scriptedProvider{reply: ok("fine")},
	}
}

func (f *fixture) dispatcher(maxPasses int) *Dispatcher {
	return New(Config{
		Settings:    f.settings,
		Credentials: f.creds,
		Provider:    f.provider,
		Pacer:       ratelimit.NewMemoryPacer(f.clock),
		Clock:       f.clock,
		MaxPasses:   maxPasses,
		Logger:      zerolog.Nop(),
	})
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts, time.Second, time.Minute); got != tc.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestSendRotatesCursorOnSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1", "k2", "k3")
	d := f.dispatcher(0)

	for i, wantCursor := range []int{1, 2, 0} {
		resp, err := d.Send(ctx, "hello", providers.GenerationOptions{})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if resp.Text != "fine" || resp.Model != aiconfig.DefaultModelKey {
			t.Fatalf("unexpected response %+v", resp)
		}
		if got := f.creds.Cursor(); got != wantCursor {
			t.Fatalf("after send %d expected cursor %d, got %d", i, wantCursor, got)
		}
	}
	if got := strings.Join(f.provider.keys(), ","); got != "k1,k2,k3" {
		t.Fatalf("unexpected credential order %s", got)
	}
	if v, _, _ := f.kv.Get(ctx, "current_api_key_index"); v != "0" {
		t.Fatalf("expected persisted cursor 0, got %q", v)
	}
}

func TestSendAllRateLimitedThenRecovers(t *testing.T) {
	f := newFixture(t, "k1", "k2", "k3")
	f.provider.reply = func(n int, _ providers.ChatRequest) (providers.ChatResponse, error) {
		if n < 3 {
			return providers.ChatResponse{}, &providers.StatusError{Code: http.StatusTooManyRequests}
		}
		return providers.ChatResponse{Text: "finally"}, nil
	}
	d := f.dispatcher(0)

	resp, err := d.Send(context.Background(), "hello", providers.GenerationOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Text != "finally" || resp.Credential != "API key 1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := strings.Join(f.provider.keys(), ","); got != "k1,k2,k3,k1" {
		t.Fatalf("expected one full pass then a retry, got %s", got)
	}
	sleeps := f.clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 8*time.Second {
		t.Fatalf("expected a single 8s backoff, got %v", sleeps)
	}
}

func TestSendRotatesOnNonRateLimitErrors(t *testing.T) {
	f := newFixture(t, "k1", "k2")
	f.provider.reply = func(n int, _ providers.ChatRequest) (providers.ChatResponse, error) {
		if n == 0 {
			return providers.ChatResponse{}, errors.New("connection reset")
		}
		return providers.ChatResponse{Text: "second key worked"}, nil
	}
	resp, err := f.dispatcher(0).Send(context.Background(), "x", providers.GenerationOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Credential != "API key 2" {
		t.Fatalf("expected second credential to answer, got %+v", resp)
	}
	if f.creds.Cursor() != 0 {
		t.Fatalf("cursor should wrap past the answering credential, got %d", f.creds.Cursor())
	}
	if len(f.clock.Sleeps()) != 0 {
		t.Fatalf("no backoff expected within a successful pass")
	}
}

func TestSendNoCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher(0).Send(context.Background(), "x", providers.GenerationOptions{})
	if !errors.Is(err, credentials.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if len(f.provider.keys()) != 0 || len(f.clock.Sleeps()) != 0 {
		t.Fatalf("no network attempt or wait expected")
	}
}

func TestSendCancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, "k1")
	f.provider.reply = func(int, providers.ChatRequest) (providers.ChatResponse, error) {
		return providers.ChatResponse{}, &providers.StatusError{Code: http.StatusServiceUnavailable}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backoffs := 0
	f.clock.OnSleep = func(d time.Duration) {
		if d >= time.Second {
			backoffs++
			if backoffs == 3 {
				cancel()
			}
		}
	}

	_, err := f.dispatcher(0).Send(ctx, "x", providers.GenerationOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := len(f.provider.keys()); got != 3 {
		t.Fatalf("expected 3 attempts before cancellation, got %d", got)
	}
}

func TestSendMaxPasses(t *testing.T) {
	f := newFixture(t, "k1", "k2")
	f.provider.reply = func(int, providers.ChatRequest) (providers.ChatResponse, error) {
		return providers.ChatResponse{}, &providers.StatusError{Code: http.StatusTooManyRequests}
	}
	_, err := f.dispatcher(2).Send(context.Background(), "x", providers.GenerationOptions{})
	if !errors.Is(err, ErrExhausted) || !providers.IsRateLimited(err) {
		t.Fatalf("expected ErrExhausted wrapping the last rate limit, got %v", err)
	}
	if got := len(f.provider.keys()); got != 4 {
		t.Fatalf("expected 2 passes of 2 attempts, got %d", got)
	}
}

func TestSendPacesPerModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1")
	d := f.dispatcher(0)

	if _, err := d.Send(ctx, "a", providers.GenerationOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := d.Send(ctx, "b", providers.GenerationOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	sleeps := f.clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 500*time.Millisecond {
		t.Fatalf("expected a 500ms pacing wait for rpm 120, got %v", sleeps)
	}

	if err := f.settings.SetActiveModel(ctx, "gemini-2.5-pro"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if _, err := d.Send(ctx, "c", providers.GenerationOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := len(f.clock.Sleeps()); got != 1 {
		t.Fatalf("a different model must not wait, sleeps=%v", f.clock.Sleeps())
	}
}

func TestSendTruncatesAndMergesOptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1")
	if _, err := f.settings.UpdateMaxInputTokens(ctx, "10"); err != nil {
		t.Fatalf("update budget: %v", err)
	}
	temp := 0.1
	stop := []string{"END"}
	_, err := f.dispatcher(0).Send(ctx, strings.Repeat("p", 160), providers.GenerationOptions{Temperature: &temp, StopSequences: stop})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.provider.calls[0]
	if req.Prompt != strings.Repeat("p", 40)+prompt.TruncationMarker {
		t.Fatalf("unexpected prompt %q", req.Prompt)
	}
	active := f.settings.Active()
	if req.Generation.Temperature != 0.1 || req.Generation.TopK != active.TopK || req.Generation.TopP != active.TopP {
		t.Fatalf("unexpected generation config %+v", req.Generation)
	}
	if req.Generation.MaxOutputTokens != active.MaxOutputTokens || len(req.Generation.StopSequences) != 1 {
		t.Fatalf("unexpected generation config %+v", req.Generation)
	}
	if req.Model != aiconfig.DefaultModelKey || req.Kind != aiconfig.ProviderGemini {
		t.Fatalf("unexpected routing fields %+v", req)
	}
}

func TestSendCarriesProfileTransportFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1")
	catalog, err := aiconfig.ParseCatalog([]byte(`
models:
  - key: lab-model
    provider: openai_compat
    base_url: http://10.0.0.5/v1
    endpoint: responses
    headers:
      X-Org: lab
    max_input_tokens: 4096
    max_output_tokens: 512
`), aiconfig.DefaultCatalog())
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	f.settings = aiconfig.NewStore(aiconfig.Config{KV: f.kv, Catalog: catalog, Logger: zerolog.Nop()})
	if err := f.settings.Init(ctx); err != nil {
		t.Fatalf("settings init: %v", err)
	}
	if err := f.settings.SetActiveModel(ctx, "lab-model"); err != nil {
		t.Fatalf("set model: %v", err)
	}

	if _, err := f.dispatcher(0).Send(ctx, "hi", providers.GenerationOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.provider.calls[0]
	if req.Kind != aiconfig.ProviderOpenAICompat || req.BaseURL != "http://10.0.0.5/v1" {
		t.Fatalf("unexpected routing fields %+v", req)
	}
	if req.Endpoint != aiconfig.EndpointResponses || req.Headers["X-Org"] != "lab" {
		t.Fatalf("profile endpoint and headers not forwarded: %+v", req)
	}
}
