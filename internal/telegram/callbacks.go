package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

// onCallback handles the inline pickers. Every query is answered exactly
// once; unknown actions get an alert instead of an edit.
func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	action, arg := splitCallback(strings.TrimSpace(ctx.CallbackQuery.Data))
	var (
		text   string
		markup *gotgbot.InlineKeyboardMarkup
	)
	switch action {
	case cbOpen:
		text = s.openSession(arg)
	case cbDelete:
		text = s.deleteSession(s.ctx, arg)
	case cbModel:
		text = s.selectModel(s.ctx, arg)
		markup = modelKeyboard(s.settings.Profiles(), s.settings.Active().ModelKey)
	default:
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}
	s.answerCallback(b, ctx, "", false)
	return s.editOrReplyCallback(ctx, b, text, markup)
}

func splitCallback(data string) (string, string) {
	for _, prefix := range []string{cbOpen, cbDelete, cbModel} {
		if arg, ok := strings.CutPrefix(data, prefix); ok {
			return prefix, arg
		}
	}
	return "", data
}

func (s *Service) openSession(id string) string {
	found, err := s.sessions.Load(s.ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("load session failed")
		return "Failed to open chat."
	}
	if !found {
		return "Chat not found."
	}
	cur := s.sessions.Current()
	return fmt.Sprintf("Opened %q (%d messages).", cur.Title, len(cur.Messages))
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
