package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/dustin/go-humanize"

	"mandachat/internal/aiconfig"
	"mandachat/internal/attachments"
	"mandachat/internal/credentials"
)

const (
	cbPrefix = "mc:"

	cbOpen   = cbPrefix + "open:"
	cbDelete = cbPrefix + "del:"
	cbModel  = cbPrefix + "model:"

	// Telegram caps messages at 4096 characters.
	maxMessageRunes = 4000
	maxPickerRows   = 20
)

func helpText() string {
	return strings.Join([]string{
		"Send any text to chat with the active model.",
		"Send a file to attach it to your next message.",
		"",
		"Chats:",
		"/new - start a new chat",
		"/chats - switch chat",
		"/delete [id] - delete a chat",
		"/regen - regenerate the last reply",
		"/files [clear] - pending attachments",
		"",
		"Model:",
		"/model [key] - show or switch model",
		"/params - current parameters",
		"/temp <0-1>, /topp <0-1>, /topk <1-128>",
		"/system <text> - set system prompt ('-' clears)",
		"",
		"API keys:",
		"/keys - list keys",
		"/key_add <api_key> [name]",
		"/key_del <n>, /key_toggle <n>, /key_name <n> <name>",
	}, "\n")
}

func paramsText(a aiconfig.ActiveConfig) string {
	system := a.SystemPrompt
	if system == "" {
		system = "<empty>"
	}
	name := a.Profile.Name
	if name == "" {
		name = a.ModelKey
	}
	return strings.Join([]string{
		fmt.Sprintf("Model: %s (%s)", name, a.ModelKey),
		fmt.Sprintf("Temperature: %.2f", a.Temperature),
		fmt.Sprintf("Top P: %.2f", a.TopP),
		fmt.Sprintf("Top K: %d", a.TopK),
		fmt.Sprintf("Max input tokens: %s", humanize.Comma(int64(a.MaxInputTokens))),
		fmt.Sprintf("Max output tokens: %s", humanize.Comma(int64(a.MaxOutputTokens))),
		fmt.Sprintf("Requests per minute: %d", a.RPM),
		"System prompt: " + system,
	}, "\n")
}

func keysText(list []credentials.Credential, cursor int) string {
	if len(list) == 0 {
		return "No API keys configured. Add one with /key_add <api_key> [name]."
	}
	lines := []string{"API keys:"}
	enabledIdx := 0
	for i, c := range list {
		state := "on"
		if !c.Enabled {
			state = "off"
		}
		line := fmt.Sprintf("%d. %s %s [%s]", i+1, c.Name, c.Redacted(), state)
		if c.Enabled {
			if enabledIdx == cursor {
				line += " <- next"
			}
			enabledIdx++
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func outboxText(pending []attachments.Attachment) string {
	if len(pending) == 0 {
		return "No pending attachments."
	}
	lines := []string{"Pending attachments:"}
	for i, a := range pending {
		lines = append(lines, fmt.Sprintf("%d. %s (%s, %s) %s", i+1, a.Name, a.Type, a.HumanSize(), a.Status))
	}
	return strings.Join(lines, "\n")
}

// chunkText splits text into pieces of at most limit runes, preferring to
// break on a newline.
func chunkText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(out, string(runes))
}

func modelKeyboard(profiles []aiconfig.ModelProfile, active string) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(profiles))
	for _, p := range profiles {
		label := p.Name
		if label == "" {
			label = p.Key
		}
		if p.Key == active {
			label = "✓ " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: cbModel + p.Key}})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// chatPicker lists the stored sessions as buttons carrying action+id.
func (s *Service) chatPicker(ctx context.Context, action string) (string, *gotgbot.InlineKeyboardMarkup, error) {
	summaries, err := s.sessions.List(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(summaries) == 0 {
		return "No saved chats.", nil, nil
	}
	current := s.sessions.CurrentID()
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(summaries))
	for i, sum := range summaries {
		if i == maxPickerRows {
			break
		}
		label := fmt.Sprintf("%s · %s", truncateRunes(sum.Title, 40), humanize.Time(sum.Timestamp))
		if sum.ID == current {
			label = "✓ " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: action + sum.ID}})
	}
	title := "Pick a chat:"
	if action == cbDelete {
		title = "Pick a chat to delete:"
	}
	return title, &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
