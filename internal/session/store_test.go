package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mandachat/internal/clock"
	"mandachat/internal/events"
	"mandachat/internal/storage"
)

func newTestStore(t *testing.T, kv storage.KV, clk clock.Clock) *Store {
	t.Helper()
	s := NewStore(Config{KV: kv, Clock: clk, Logger: zerolog.Nop()})
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitCreatesSessionWithIDFormat(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	clk := clock.NewManual(time.UnixMilli(1760000000123))
	s := newTestStore(t, kv, clk)

	id := s.CurrentID()
	if !regexp.MustCompile(`^chat_1760000000123_[0-9a-z]{9}$`).MatchString(id) {
		t.Fatalf("unexpected session id %q", id)
	}
	if v, _, _ := kv.Get(ctx, keyCurrent); v != id {
		t.Fatalf("pointer not persisted: %q", v)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := newTestStore(t, kv, nil)

	id, err := s.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msgs := []Message{
		{Content: "hello", Role: RoleUser, Raw: "hello"},
		{Content: "hi there", Role: RoleBot},
		{Content: "read this", Role: RoleUser, Raw: "read this", Attachments: []AttachmentMeta{{Name: "a.txt", Type: "text/plain", Size: 12}}},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewStore(Config{KV: kv, Logger: zerolog.Nop()})
	ok, err := fresh.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	got := fresh.Messages()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i := range msgs {
		if got[i].Content != msgs[i].Content || got[i].Role != msgs[i].Role {
			t.Fatalf("message %d mismatch: %+v vs %+v", i, got[i], msgs[i])
		}
	}
	if len(got[2].Attachments) != 1 || got[2].Attachments[0].Name != "a.txt" {
		t.Fatalf("attachment metadata lost: %+v", got[2])
	}
	if fresh.CurrentID() != id {
		t.Fatalf("loaded session should become current")
	}
}

func TestInitRestoresCurrentSession(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := newTestStore(t, kv, nil)
	_ = s.Append(ctx, Message{Content: "persist me", Role: RoleUser})

	fresh := newTestStore(t, kv, nil)
	if fresh.CurrentID() != s.CurrentID() || len(fresh.Messages()) != 1 {
		t.Fatalf("expected current session restored, got %s with %d messages", fresh.CurrentID(), len(fresh.Messages()))
	}
}

func TestSystemMessagesAreNotSavedOnAppend(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := newTestStore(t, kv, nil)
	_ = s.Append(ctx, Message{Content: "No API keys configured", Role: RoleSystem})
	if _, ok, _ := kv.Get(ctx, recordKey(s.CurrentID())); ok {
		t.Fatalf("system message alone must not persist the session")
	}
	_ = s.Append(ctx, Message{Content: "hi", Role: RoleUser})
	rec, err := s.Get(ctx, s.CurrentID())
	if err != nil || len(rec.Messages) != 2 {
		t.Fatalf("expected both messages after the next save, got %+v err=%v", rec, err)
	}
}

func TestLoadMissingOrCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	s := newTestStore(t, kv, nil)
	current := s.CurrentID()

	if ok, err := s.Load(ctx, "chat_nope"); ok || err != nil {
		t.Fatalf("expected missing session to report false, ok=%v err=%v", ok, err)
	}
	_ = kv.Set(ctx, "chat_bad", "{not json")
	if ok, err := s.Load(ctx, "bad"); ok || err != nil {
		t.Fatalf("expected corrupt session to report false, ok=%v err=%v", ok, err)
	}
	if s.CurrentID() != current {
		t.Fatalf("failed load must not switch sessions")
	}
	if _, err := s.Get(ctx, "chat_nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSortedNewestFirst(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, kv, clk)

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		id, err := s.Create(ctx)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
		_ = s.Append(ctx, Message{Content: text, Role: RoleUser})
		clk.Advance(time.Minute)
	}
	_ = kv.Set(ctx, "chat_garbage", "][")

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("unexpected order %+v", list)
	}
	if list[0].Title != "third" || list[0].MessageCount != 1 {
		t.Fatalf("unexpected summary %+v", list[0])
	}
}

func TestDeleteCurrentCreatesFreshSession(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	bus := events.NewBus()
	var updates int
	bus.Subscribe(events.ChatsUpdated, func(events.Event) { updates++ })
	s := NewStore(Config{KV: kv, Bus: bus, Logger: zerolog.Nop()})
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	_ = s.Append(ctx, Message{Content: "doomed", Role: RoleUser})
	old := s.CurrentID()

	if err := s.Delete(ctx, old); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.CurrentID() == old || len(s.Messages()) != 0 {
		t.Fatalf("expected a fresh empty current session")
	}
	if _, ok, _ := kv.Get(ctx, recordKey(old)); ok {
		t.Fatalf("deleted record must stay deleted")
	}
	if v, _, _ := kv.Get(ctx, keyCurrent); v != s.CurrentID() {
		t.Fatalf("pointer should reference the new session, got %q", v)
	}
	if updates == 0 {
		t.Fatalf("expected chats updated notifications")
	}
}

func TestDeleteOtherKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), nil)
	_ = s.Append(ctx, Message{Content: "a", Role: RoleUser})
	first := s.CurrentID()
	_, _ = s.Create(ctx)
	_ = s.Append(ctx, Message{Content: "b", Role: RoleUser})
	second := s.CurrentID()

	if err := s.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.CurrentID() != second || len(s.Messages()) != 1 {
		t.Fatalf("current session should be untouched")
	}
	if err := s.Delete(ctx, first); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for a deleted id, got %v", err)
	}
	if err := s.Delete(ctx, "chat_0_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for an unknown id, got %v", err)
	}
}

func TestDeleteMessageAndTruncate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), nil)
	for _, c := range []string{"q1", "a1", "q2", "a2"} {
		role := RoleUser
		if strings.HasPrefix(c, "a") {
			role = RoleBot
		}
		_ = s.Append(ctx, Message{Content: c, Role: role})
	}
	if err := s.DeleteMessage(ctx, 1); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if err := s.DeleteMessage(ctx, 9); !errors.Is(err, ErrMessageIndex) {
		t.Fatalf("expected ErrMessageIndex, got %v", err)
	}
	if err := s.Truncate(ctx, 2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	rec, _ := s.Get(ctx, s.CurrentID())
	if len(rec.Messages) != 2 || rec.Messages[0].Content != "q1" || rec.Messages[1].Content != "q2" {
		t.Fatalf("unexpected persisted messages %+v", rec.Messages)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := "Hello world, please help me debug this very long and elaborate multi-clause sentence about widgets"
	title := DeriveTitle([]Message{{Content: "sys", Role: RoleSystem}, {Content: long, Role: RoleUser}})
	if len([]rune(title)) != 64 || title != long[:64] {
		t.Fatalf("expected 64-char prefix, got %q (%d)", title, len(title))
	}
	if got := DeriveTitle([]Message{{Content: "answer", Role: RoleBot}}); got != TitlePlaceholder {
		t.Fatalf("expected placeholder, got %q", got)
	}
	if got := DeriveTitle(nil); got != TitlePlaceholder {
		t.Fatalf("expected placeholder for empty session, got %q", got)
	}
	withFiles := Message{Content: "summarize\n\nAttachments:\n• a.txt", Raw: "summarize", Role: RoleUser}
	if got := DeriveTitle([]Message{withFiles}); got != "summarize" {
		t.Fatalf("expected the raw text as title, got %q", got)
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storage.NewMemory(), nil)
	_ = s.Append(ctx, Message{Content: "ping", Role: RoleUser})
	_ = s.Append(ctx, Message{Content: "pong", Role: RoleBot})

	out, err := s.Export(ctx, s.CurrentID())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"Chat: ping\n", "Messages: 2\n", "--- Message 1 ---\nUser: ping\n", "--- Message 2 ---\nBot: pong\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("export missing %q:\n%s", want, out)
		}
	}
}
