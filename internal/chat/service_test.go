package chat

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/credentials"
	"mandachat/internal/prompt"
	"mandachat/internal/providers"
	"mandachat/internal/session"
	"mandachat/internal/storage"
)

type fakeSender struct {
	mu      sync.Mutex
	prompts []string
	resp    providers.ChatResponse
	err     error
	block   chan struct{}
}

func (f *fakeSender) Send(_ context.Context, promptText string, _ providers.GenerationOptions) (providers.ChatResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, promptText)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.resp, f.err
}

type fixture struct {
	svc      *Service
	sessions *session.Store
	outbox   *attachments.Outbox
	settings *aiconfig.Store
	sender   *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemory()
	settings := aiconfig.NewStore(aiconfig.Config{KV: kv, Logger: zerolog.Nop()})
	if err := settings.Init(ctx); err != nil {
		t.Fatalf("settings init: %v", err)
	}
	sessions := session.NewStore(session.Config{KV: kv, Logger: zerolog.Nop()})
	if err := sessions.Init(ctx); err != nil {
		t.Fatalf("session init: %v", err)
	}
	outbox := attachments.NewOutbox(attachments.Config{})
	sender := &fakeSender{resp: providers.ChatResponse{Text: "pong"}}
	svc := NewService(Config{
		Sessions:   sessions,
		Outbox:     outbox,
		Assembler:  &prompt.Assembler{Config: settings},
		Dispatcher: sender,
		Models:     settings,
		Logger:     zerolog.Nop(),
	})
	return &fixture{svc: svc, sessions: sessions, outbox: outbox, settings: settings, sender: sender}
}

func TestSendAppendsUserAndBotMessages(t *testing.T) {
	f := newFixture(t)
	reply, err := f.svc.Send(context.Background(), "  ping  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Message.Content != "pong" || reply.Message.Role != session.RoleBot {
		t.Fatalf("unexpected reply %+v", reply)
	}
	msgs := f.sessions.Messages()
	if len(msgs) != 2 || msgs[0].Content != "ping" || msgs[0].Raw != "ping" || msgs[1].Content != "pong" {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
	if got := f.sessions.Current().Title; got != "ping" {
		t.Fatalf("expected title from first message, got %q", got)
	}
	if !strings.HasSuffix(f.sender.prompts[0], "User message:\nping") {
		t.Fatalf("unexpected prompt %q", f.sender.prompts[0])
	}
}

func TestSendEmptyIsRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(f.sender.prompts) != 0 || len(f.sessions.Messages()) != 0 {
		t.Fatalf("nothing should be sent or recorded")
	}
}

func TestSendWithAttachmentsClearsOutbox(t *testing.T) {
	f := newFixture(t)
	f.outbox.Add("notes.txt", []byte("remember the milk"))

	if _, err := f.svc.Send(context.Background(), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.outbox.Len() != 0 {
		t.Fatalf("outbox should be cleared after success")
	}
	user := f.sessions.Messages()[0]
	if user.Content != "Attachments:\n• notes.txt" || len(user.Attachments) != 1 {
		t.Fatalf("unexpected user message %+v", user)
	}
	p := f.sender.prompts[0]
	if !strings.Contains(p, "1. notes.txt (text/plain · 1 KB)") || !strings.Contains(p, "--- notes.txt ---\nremember the milk") {
		t.Fatalf("unexpected prompt %q", p)
	}
	if strings.Contains(p, "User message:") {
		t.Fatalf("empty user text must not produce a user section")
	}
}

func TestSendFailureKeepsAttachmentsMarkedError(t *testing.T) {
	f := newFixture(t)
	f.outbox.Add("a.md", []byte("# a"))
	f.sender.err = errors.New("boom")

	if _, err := f.svc.Send(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error")
	}
	pending := f.outbox.Pending()
	if len(pending) != 1 || pending[0].Status != attachments.StatusError {
		t.Fatalf("attachment should stay with error status, got %+v", pending)
	}
	if msgs := f.sessions.Messages(); len(msgs) != 1 || msgs[0].Role != session.RoleUser {
		t.Fatalf("only the user message should be recorded, got %+v", msgs)
	}
}

func TestSendNoCredentialsAddsSystemNotice(t *testing.T) {
	f := newFixture(t)
	f.sender.err = credentials.ErrNoCredentials

	_, err := f.svc.Send(context.Background(), "hi")
	if !errors.Is(err, credentials.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	msgs := f.sessions.Messages()
	if len(msgs) != 2 || msgs[1].Role != session.RoleSystem {
		t.Fatalf("expected a system notice, got %+v", msgs)
	}
}

func TestSendEmptyReplyUsesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.sender.resp = providers.ChatResponse{FinishReason: "SAFETY"}
	reply, err := f.svc.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Message.Content != "No response (SAFETY)" {
		t.Fatalf("unexpected placeholder %q", reply.Message.Content)
	}
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	f := newFixture(t)
	f.sender.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Send(context.Background(), "first")
		done <- err
	}()
	for !f.svc.Busy() {
		runtime.Gosched()
	}
	if _, err := f.svc.Send(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(f.sender.block)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestRegenerateReplacesTrailingReplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Send(ctx, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Send(ctx, "two"); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.sender.resp = providers.ChatResponse{Text: "again"}

	if _, err := f.svc.Regenerate(ctx); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	msgs := f.sessions.Messages()
	if len(msgs) != 4 || msgs[2].Content != "two" || msgs[3].Content != "again" {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
	last := f.sender.prompts[len(f.sender.prompts)-1]
	if strings.Contains(last, "Assistant: pong\n\nUser: two") {
		t.Fatalf("regenerated prompt must not repeat the message as history: %q", last)
	}
	if !strings.Contains(last, "User: one\n\nAssistant: pong") || !strings.HasSuffix(last, "User message:\ntwo") {
		t.Fatalf("unexpected prompt %q", last)
	}
}

func TestRegenerateWithoutUserMessage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Regenerate(context.Background()); !errors.Is(err, ErrNothingToRegenerate) {
		t.Fatalf("expected ErrNothingToRegenerate, got %v", err)
	}
}

func TestSelectModelUnknownAddsNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.svc.SelectModel(ctx, "no-such-model"); !errors.Is(err, aiconfig.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if msgs := f.sessions.Messages(); len(msgs) != 1 || msgs[0].Role != session.RoleSystem {
		t.Fatalf("expected a system notice, got %+v", msgs)
	}
	if err := f.svc.SelectModel(ctx, "gemini-2.5-pro"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if f.settings.Active().ModelKey != "gemini-2.5-pro" {
		t.Fatalf("model not switched")
	}
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, 5); !errors.Is(err, session.ErrMessageIndex) {
		t.Fatalf("expected ErrMessageIndex, got %v", err)
	}
	if msgs := f.sessions.Messages(); len(msgs) != 1 {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
}
