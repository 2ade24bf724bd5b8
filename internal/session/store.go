package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"mandachat/internal/clock"
	"mandachat/internal/events"
	"mandachat/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageIndex    = errors.New("message index out of range")
)

const (
	recordPrefix = "chat_"
	keyCurrent   = "current_chat_id"

	TitleMaxRunes    = 64
	TitlePlaceholder = "New chat"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

type AttachmentMeta struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size"`
}

type Message struct {
	Content     string           `json:"content"`
	Role        Role             `json:"type"`
	Raw         string           `json:"raw,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

type Session struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

type Summary struct {
	ID           string
	Title        string
	Timestamp    time.Time
	MessageCount int
}

type Config struct {
	KV     storage.KV
	Clock  clock.Clock
	Bus    *events.Bus
	Logger zerolog.Logger
}

// Store owns the current session's transcript and the persisted records of
// every session.
type Store struct {
	kv     storage.KV
	clock  clock.Clock
	bus    *events.Bus
	logger zerolog.Logger

	mu        sync.Mutex
	currentID string
	messages  []Message
}

func NewStore(cfg Config) *Store {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Store{kv: cfg.KV, clock: c, bus: cfg.Bus, logger: cfg.Logger}
}

func recordKey(id string) string { return recordPrefix + id }

func (s *Store) newID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	b.WriteString("chat_")
	b.WriteString(strconv.FormatInt(s.clock.Now().UnixMilli(), 10))
	b.WriteByte('_')
	for i := 0; i < 9; i++ {
		b.WriteByte(alphabet[rand.Intn(len(alphabet))])
	}
	return b.String()
}

// Init restores the persisted current session, or starts a new one when no
// pointer exists.
func (s *Store) Init(ctx context.Context) error {
	id, ok, err := s.kv.Get(ctx, keyCurrent)
	if err != nil {
		return fmt.Errorf("load current session pointer: %w", err)
	}
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		_, err := s.Create(ctx)
		return err
	}
	found, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		s.mu.Lock()
		s.currentID = id
		s.messages = nil
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Current returns a snapshot of the open session.
func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := cloneMessages(s.messages)
	return Session{ID: s.currentID, Title: DeriveTitle(msgs), Messages: msgs}
}

func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Append adds msg to the open session. Non-system messages are persisted
// immediately.
func (s *Store) Append(ctx context.Context, msg Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if msg.Role == RoleSystem {
		s.mu.Unlock()
		return nil
	}
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit()
	return nil
}

// Truncate drops every message from index onwards and persists the result.
func (s *Store) Truncate(ctx context.Context, index int) error {
	s.mu.Lock()
	if index < 0 || index > len(s.messages) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrMessageIndex, index)
	}
	s.messages = s.messages[:index:index]
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit()
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrMessageIndex, index)
	}
	s.messages = append(s.messages[:index:index], s.messages[index+1:]...)
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit()
	return nil
}

// Create saves the open session if it has messages, then starts an empty
// one and makes it current.
func (s *Store) Create(ctx context.Context) (string, error) {
	s.mu.Lock()
	if len(s.messages) > 0 {
		if err := s.saveLocked(ctx); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	id, err := s.startLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.logger.Debug().Str("session_id", id).Msg("session created")
	s.emit()
	return id, nil
}

func (s *Store) startLocked(ctx context.Context) (string, error) {
	id := s.newID()
	s.currentID = id
	s.messages = nil
	if err := s.kv.Set(ctx, keyCurrent, id); err != nil {
		return "", fmt.Errorf("persist current session pointer: %w", err)
	}
	return id, nil
}

func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	err := s.saveLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit()
	return nil
}

func (s *Store) saveLocked(ctx context.Context) error {
	if s.currentID == "" {
		s.currentID = s.newID()
	}
	rec := Session{
		ID:        s.currentID,
		Timestamp: s.clock.Now().UTC(),
		Title:     DeriveTitle(s.messages),
		Messages:  s.messages,
	}
	if rec.Messages == nil {
		rec.Messages = []Message{}
	}
	if err := storage.SetJSON(ctx, s.kv, recordKey(rec.ID), rec); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	if err := s.kv.Set(ctx, keyCurrent, rec.ID); err != nil {
		return fmt.Errorf("persist current session pointer: %w", err)
	}
	return nil
}

// Load makes the persisted session id current. Missing or unreadable
// records report false.
func (s *Store) Load(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.currentID = rec.ID
	s.messages = rec.Messages
	err = s.kv.Set(ctx, keyCurrent, rec.ID)
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("persist current session pointer: %w", err)
	}
	s.logger.Debug().Str("session_id", rec.ID).Int("messages", len(rec.Messages)).Msg("session loaded")
	return true, nil
}

// Get reads a persisted session without switching to it.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	var rec Session
	found, err := storage.GetJSON(ctx, s.kv, recordKey(id), &rec, s.logger)
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if !found {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// List returns every persisted session, most recent first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.kv.Keys(ctx, recordPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		var rec Session
		found, err := storage.GetJSON(ctx, s.kv, k, &rec, s.logger)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", k, err)
		}
		if !found {
			continue
		}
		id := rec.ID
		if id == "" {
			id = strings.TrimPrefix(k, recordPrefix)
		}
		out = append(out, Summary{ID: id, Title: rec.Title, Timestamp: rec.Timestamp, MessageCount: len(rec.Messages)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Delete removes the record for id. Deleting the current session starts a
// fresh empty one.
// Delete removes a persisted session. Deleting the current session, saved or
// not, starts a fresh one; any other unknown id is ErrSessionNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, found, err := s.kv.Get(ctx, recordKey(id))
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if !found && id != s.CurrentID() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.kv.Remove(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.mu.Lock()
	if s.currentID == id {
		_, err = s.startLocked(ctx)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Debug().Str("session_id", id).Msg("session deleted")
	s.emit()
	return nil
}

// Export renders a persisted session as a plain-text transcript.
func (s *Store) Export(ctx context.Context, id string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Chat: %s\n", rec.Title)
	fmt.Fprintf(&b, "Date: %s\n", rec.Timestamp.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "Messages: %d\n\n", len(rec.Messages))
	for i, m := range rec.Messages {
		fmt.Fprintf(&b, "--- Message %d ---\n", i+1)
		fmt.Fprintf(&b, "%s: %s\n\n", speaker(m.Role), m.Content)
	}
	return b.String(), nil
}

func speaker(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	case RoleBot:
		return "Bot"
	default:
		return "System"
	}
}

// DeriveTitle returns the first user message cut to TitleMaxRunes, or
// TitlePlaceholder when there is none. The raw input is preferred so the
// attachment listing never ends up in a title.
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		text := m.Content
		if strings.TrimSpace(m.Raw) != "" {
			text = m.Raw
		}
		if utf8.RuneCountInString(text) <= TitleMaxRunes {
			return text
		}
		return string([]rune(text)[:TitleMaxRunes])
	}
	return TitlePlaceholder
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		m.Attachments = append([]AttachmentMeta(nil), m.Attachments...)
		out[i] = m
	}
	return out
}

func (s *Store) emit() {
	s.bus.Emit(events.ChatsUpdated, map[string]any{"current": s.CurrentID()})
}
