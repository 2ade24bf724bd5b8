package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"mandachat/internal/aiconfig"
	"mandachat/internal/config"
	"mandachat/internal/credentials"
)

// useTempStore points the commands at a fresh sqlite file.
func useTempStore(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "mandachat.db"))
	t.Setenv("PACER_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func geminiServer(t *testing.T, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, ":generateContent") || r.URL.Query().Get("key") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"`+reply+`"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":7}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "mandachat dev") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestKeysAddAndListMasked(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "", "keys", "add", "AIzaSECRETKEY0001", "--name", "work"); err != nil {
		t.Fatalf("keys add: %v", err)
	}
	if _, err := run(t, "", "keys", "add", "AIzaSECRETKEY0002"); err != nil {
		t.Fatalf("keys add: %v", err)
	}
	if _, err := run(t, "", "keys", "disable", "2"); err != nil {
		t.Fatalf("keys disable: %v", err)
	}

	out, err := run(t, "", "keys", "list")
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if strings.Contains(out, "SECRETKEY") {
		t.Fatalf("keys must be masked: %s", out)
	}
	for _, want := range []string{"work", "****0001", "API key 2", "disabled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}

	if _, err := run(t, "", "keys", "remove", "5"); !errors.Is(err, credentials.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := run(t, "", "keys", "remove", "zero"); err == nil {
		t.Fatalf("expected a position parse error")
	}
}

func TestParamsPersistAndClamp(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "", "params", "temperature", "5"); err != nil {
		t.Fatalf("params temperature: %v", err)
	}
	if _, err := run(t, "", "params", "system-prompt", "be", "brief"); err != nil {
		t.Fatalf("params system-prompt: %v", err)
	}
	out, err := run(t, "", "params", "show")
	if err != nil {
		t.Fatalf("params show: %v", err)
	}
	if !strings.Contains(out, "1.00") || !strings.Contains(out, `"be brief"`) {
		t.Fatalf("expected clamped temperature and system prompt, got %s", out)
	}
}

func TestModelSet(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "", "model", "set", "no-such-model"); !errors.Is(err, aiconfig.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := run(t, "", "model", "set", "gemini-2.5-pro"); err != nil {
		t.Fatalf("model set: %v", err)
	}
	out, err := run(t, "", "model", "list")
	if err != nil {
		t.Fatalf("model list: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "*") && !strings.Contains(line, "gemini-2.5-pro") {
			t.Fatalf("wrong model marked active: %s", out)
		}
	}
}

func TestAskRecordsSession(t *testing.T) {
	useTempStore(t)
	srv, calls := geminiServer(t, "hi there")
	t.Setenv("GEMINI_BASE_URL", srv.URL)

	if _, err := run(t, "", "ask", "hello"); !errors.Is(err, credentials.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("no remote call expected without keys")
	}

	if _, err := run(t, "", "keys", "add", "AIzaKEY"); err != nil {
		t.Fatalf("keys add: %v", err)
	}
	notes := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(notes, []byte("some notes"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := run(t, "", "ask", "--new", "-f", notes, "hello", "world")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if strings.TrimSpace(out) != "hi there" {
		t.Fatalf("unexpected reply %q", out)
	}

	out, err = run(t, "", "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, "hello world") {
		t.Fatalf("expected the session titled from the first message: %s", out)
	}

	out, err = run(t, "", "sessions", "show")
	if err != nil {
		t.Fatalf("sessions show: %v", err)
	}
	if !strings.Contains(out, "User: hello world\n\nAttachments:\n• notes.txt") || !strings.Contains(out, "Bot: hi there") {
		t.Fatalf("unexpected transcript %s", out)
	}
}

func TestChatREPL(t *testing.T) {
	useTempStore(t)
	srv, _ := geminiServer(t, "pong")
	t.Setenv("GEMINI_BASE_URL", srv.URL)
	if _, err := run(t, "", "keys", "add", "AIzaKEY"); err != nil {
		t.Fatalf("keys add: %v", err)
	}

	out, err := run(t, "ping\n/history\n/regen\n/files\n/bogus\n/quit\n", "chat")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	for _, want := range []string{"pong", "1. [user] ping", "2. [bot] pong", "no pending attachments", "unknown command /bogus"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}

func TestServeRequiresTelegramConfig(t *testing.T) {
	useTempStore(t)
	t.Setenv("BOT_TOKEN", "")
	if _, err := run(t, "", "serve"); err == nil || !strings.Contains(err.Error(), "BOT_TOKEN") {
		t.Fatalf("expected missing BOT_TOKEN error, got %v", err)
	}
}

func TestServeMux(t *testing.T) {
	mux := newServeMux(config.ServerConfig{HealthPath: "/healthz", MetricsPath: "/metrics"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
}

func TestSanitizeTelegramErr(t *testing.T) {
	token := "12345:abcdef"
	got := sanitizeTelegramErr(errors.New("Post https://api.telegram.org/bot12345:abcdef/getMe failed"), token)
	if strings.Contains(got, "abcdef") {
		t.Fatalf("token leaked: %s", got)
	}
}
