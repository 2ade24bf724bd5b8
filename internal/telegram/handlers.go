package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/dustin/go-humanize"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/chat"
	"mandachat/internal/credentials"
	"mandachat/internal/session"
)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) newChat(b *gotgbot.Bot, ctx *ext.Context) error {
	id, err := s.sessions.Create(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		return s.reply(ctx, b, "Failed to start a new chat.")
	}
	s.logger.Info().Str("session_id", id).Msg("new chat from telegram")
	return s.reply(ctx, b, "New chat started.")
}

func (s *Service) listChats(b *gotgbot.Bot, ctx *ext.Context) error {
	text, markup, err := s.chatPicker(s.ctx, cbOpen)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions failed")
		return s.reply(ctx, b, "Failed to load chats.")
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) deleteChat(b *gotgbot.Bot, ctx *ext.Context) error {
	id := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if id == "" {
		text, markup, err := s.chatPicker(s.ctx, cbDelete)
		if err != nil {
			return s.reply(ctx, b, "Failed to load chats.")
		}
		return s.replyWithMarkup(ctx, b, text, markup)
	}
	return s.reply(ctx, b, s.deleteSession(s.ctx, id))
}

func (s *Service) deleteSession(ctx context.Context, id string) string {
	if err := s.sessions.Delete(ctx, id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return "Chat not found."
		}
		s.logger.Error().Err(err).Str("session_id", id).Msg("delete session failed")
		return "Failed to delete chat."
	}
	return "Chat deleted."
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	key := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if key == "" {
		active := s.settings.Active()
		return s.replyWithMarkup(ctx, b, "Active model: "+active.ModelKey, modelKeyboard(s.settings.Profiles(), active.ModelKey))
	}
	return s.reply(ctx, b, s.selectModel(s.ctx, key))
}

func (s *Service) selectModel(ctx context.Context, key string) string {
	if err := s.chat.SelectModel(ctx, key); err != nil {
		if errors.Is(err, aiconfig.ErrUnknownModel) {
			return "Unsupported model: " + key
		}
		s.logger.Error().Err(err).Str("model", key).Msg("select model failed")
		return "Failed to switch model."
	}
	return "Model switched to " + key + "."
}

func (s *Service) temperature(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.updateParam(ctx, b, "temperature", s.settings.UpdateTemperature)
}

func (s *Service) topP(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.updateParam(ctx, b, "topP", s.settings.UpdateTopP)
}

func (s *Service) topK(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.updateParam(ctx, b, "topK", s.settings.UpdateTopK)
}

func (s *Service) updateParam(ctx *ext.Context, b *gotgbot.Bot, name string, update func(context.Context, string) (bool, error)) error {
	raw := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if raw == "" {
		return s.reply(ctx, b, paramsText(s.settings.Active()))
	}
	changed, err := update(s.ctx, raw)
	if err != nil {
		s.logger.Error().Err(err).Str("param", name).Msg("update parameter failed")
		return s.reply(ctx, b, "Failed to save "+name+".")
	}
	if !changed {
		if _, perr := strconv.ParseFloat(raw, 64); perr != nil {
			return s.reply(ctx, b, "Not a number: "+raw)
		}
	}
	return s.reply(ctx, b, paramsText(s.settings.Active()))
}

func (s *Service) systemPrompt(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if text == "" {
		current := s.settings.Active().SystemPrompt
		if current == "" {
			current = "<empty>"
		}
		return s.reply(ctx, b, "System prompt:\n"+current)
	}
	if text == "-" {
		text = ""
	}
	if _, err := s.settings.UpdateSystemPrompt(s.ctx, text); err != nil {
		s.logger.Error().Err(err).Msg("update system prompt failed")
		return s.reply(ctx, b, "Failed to save the system prompt.")
	}
	return s.reply(ctx, b, "System prompt updated.")
}

func (s *Service) params(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, paramsText(s.settings.Active()))
}

func (s *Service) keys(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, keysText(s.creds.List(), s.creds.Cursor()))
}

func (s *Service) keyAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	key, name := splitFirstWord(commandRemainder(msg.GetText()))
	if key == "" {
		return s.reply(ctx, b, "Usage: /key_add <api_key> [name]")
	}
	// The key should not linger in the chat history.
	if _, err := b.DeleteMessage(msg.Chat.Id, msg.MessageId, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete message carrying an API key")
	}
	c, err := s.creds.Add(s.ctx, key, name)
	if err != nil {
		if errors.Is(err, credentials.ErrDuplicateCredential) {
			return s.reply(ctx, b, "That API key is already stored.")
		}
		s.logger.Error().Err(err).Msg("add credential failed")
		return s.reply(ctx, b, "Failed to store the API key.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Stored %s (%s).", c.Name, c.Redacted()))
}

func (s *Service) keyDel(b *gotgbot.Bot, ctx *ext.Context) error {
	pos, _, ok := parsePosition(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok {
		return s.reply(ctx, b, "Usage: /key_del <number>")
	}
	return s.reply(ctx, b, s.credentialResult(s.creds.Remove(s.ctx, pos), "API key removed."))
}

func (s *Service) keyToggle(b *gotgbot.Bot, ctx *ext.Context) error {
	pos, _, ok := parsePosition(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok {
		return s.reply(ctx, b, "Usage: /key_toggle <number>")
	}
	list := s.creds.List()
	if pos >= len(list) {
		return s.reply(ctx, b, "No API key with that number.")
	}
	enable := !list[pos].Enabled
	done := "API key disabled."
	if enable {
		done = "API key enabled."
	}
	return s.reply(ctx, b, s.credentialResult(s.creds.SetEnabled(s.ctx, pos, enable), done))
}

func (s *Service) keyName(b *gotgbot.Bot, ctx *ext.Context) error {
	pos, name, ok := parsePosition(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok || name == "" {
		return s.reply(ctx, b, "Usage: /key_name <number> <name>")
	}
	return s.reply(ctx, b, s.credentialResult(s.creds.Rename(s.ctx, pos, name), "API key renamed."))
}

func (s *Service) credentialResult(err error, done string) string {
	switch {
	case err == nil:
		return done
	case errors.Is(err, credentials.ErrIndexOutOfRange):
		return "No API key with that number."
	default:
		s.logger.Error().Err(err).Msg("credential update failed")
		return "Failed to update API keys."
	}
}

func (s *Service) files(b *gotgbot.Bot, ctx *ext.Context) error {
	if strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())) == "clear" {
		s.outbox.Clear()
		return s.reply(ctx, b, "Attachments cleared.")
	}
	return s.reply(ctx, b, outboxText(s.outbox.Pending()))
}

func (s *Service) regenerate(b *gotgbot.Bot, ctx *ext.Context) error {
	s.typing(b, ctx)
	reply, err := s.chat.Regenerate(s.ctx)
	return s.deliver(ctx, b, reply, err)
}

func (s *Service) document(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	doc := msg.Document
	a, err := s.download(s.ctx, b, doc)
	if err != nil {
		if errors.Is(err, attachments.ErrTooLarge) {
			return s.reply(ctx, b, "File is too large.")
		}
		s.logger.Error().Err(err).Str("file", doc.FileName).Msg("download attachment failed")
		return s.reply(ctx, b, "Failed to download the file.")
	}
	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		return s.reply(ctx, b, fmt.Sprintf("Attached %s (%s). It goes out with your next message.", a.Name, a.HumanSize()))
	}
	s.typing(b, ctx)
	reply, err := s.chat.Send(s.ctx, caption)
	return s.deliver(ctx, b, reply, err)
}

func (s *Service) download(ctx context.Context, b *gotgbot.Bot, doc *gotgbot.Document) (attachments.Attachment, error) {
	limit := s.outbox.MaxFileBytes()
	if doc.FileSize > limit {
		return attachments.Attachment{}, fmt.Errorf("%w: %s", attachments.ErrTooLarge, humanize.IBytes(uint64(doc.FileSize)))
	}
	f, err := b.GetFile(doc.FileId, nil)
	if err != nil {
		return attachments.Attachment{}, fmt.Errorf("get file: %s", sanitizeToken(err.Error(), b.Token))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(b, nil), nil)
	if err != nil {
		return attachments.Attachment{}, fmt.Errorf("build download request: %s", sanitizeToken(err.Error(), b.Token))
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return attachments.Attachment{}, fmt.Errorf("download file: %s", sanitizeToken(err.Error(), b.Token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return attachments.Attachment{}, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return attachments.Attachment{}, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > limit {
		return attachments.Attachment{}, attachments.ErrTooLarge
	}
	name := doc.FileName
	if name == "" {
		name = "file"
	}
	return s.outbox.Add(name, data), nil
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	s.typing(b, ctx)
	reply, err := s.chat.Send(s.ctx, text)
	return s.deliver(ctx, b, reply, err)
}

func (s *Service) deliver(ctx *ext.Context, b *gotgbot.Bot, reply chat.Reply, err error) error {
	if err != nil {
		return s.reply(ctx, b, failureText(err))
	}
	for _, part := range chunkText(reply.Message.Content, maxMessageRunes) {
		if err := s.reply(ctx, b, part); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) typing(b *gotgbot.Bot, ctx *ext.Context) {
	if ctx.EffectiveChat == nil {
		return
	}
	if _, err := b.SendChatAction(ctx.EffectiveChat.Id, "typing", nil); err != nil {
		s.logger.Debug().Err(err).Msg("send chat action failed")
	}
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func failureText(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "Still waiting for the previous reply."
	case errors.Is(err, chat.ErrEmptyMessage):
		return "Nothing to send."
	case errors.Is(err, chat.ErrNothingToRegenerate):
		return "There is no message to regenerate."
	case errors.Is(err, credentials.ErrNoCredentials):
		return "No API keys configured. Add one with /key_add <api_key>."
	case errors.Is(err, aiconfig.ErrUnknownModel):
		return "The selected model is not supported. Pick one with /model."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	default:
		return "Error: " + err.Error()
	}
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// parsePosition reads a 1-based credential number and returns it 0-based
// together with the rest of the text.
func parsePosition(s string) (int, string, bool) {
	first, rest := splitFirstWord(s)
	n, err := strconv.Atoi(first)
	if err != nil || n < 1 {
		return 0, "", false
	}
	return n - 1, rest, true
}

func sanitizeToken(msg, token string) string {
	if strings.TrimSpace(token) == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "<redacted-token>")
}
