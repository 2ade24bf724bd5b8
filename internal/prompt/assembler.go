package prompt

import (
	"fmt"
	"math"
	"strings"

	"mandachat/internal/aiconfig"
)

type Turn struct {
	Role    string
	Content string
}

// File is an attachment as seen by the assembler. Size < 0 means unknown;
// Content is set only for files decoded as text.
type File struct {
	Name    string
	Type    string
	Size    int64
	Content string
}

type ConfigSource interface {
	Active() aiconfig.ActiveConfig
}

type Assembler struct {
	Config ConfigSource
}

type Result struct {
	Text            string
	EstimatedTokens int
	DroppedHistory  int
}

// Assemble builds the prompt text for userText given prior history.
func (a *Assembler) Assemble(history []Turn, userText string, files []File) string {
	return a.Build(history, userText, files).Text
}

// Build drops the oldest history turns until the estimate fits the active
// input budget. The system prompt, attachments and user text are never cut.
// Decoded attachment bodies are not counted against the budget; the
// dispatcher truncates the final text if it is still too long.
func (a *Assembler) Build(history []Turn, userText string, files []File) Result {
	cfg := a.Config.Active()
	budget := cfg.MaxInputTokens

	manifest := manifestSection(files)
	contents := contentsSection(files)
	user := ""
	if userText != "" {
		user = "User message:\n" + userText
	}

	turns := history
	dropped := 0
	for budget > 0 && len(turns) > 0 {
		if EstimateTokens(join(cfg.SystemPrompt, historySection(turns), manifest, user)) <= budget {
			break
		}
		turns = turns[1:]
		dropped++
	}
	text := join(cfg.SystemPrompt, historySection(turns), manifest, contents, user)
	return Result{Text: text, EstimatedTokens: EstimateTokens(text), DroppedHistory: dropped}
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "bot":
		return "Assistant"
	case "system":
		return "System"
	default:
		return role
	}
}

func historySection(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, roleLabel(t.Role)+": "+t.Content)
	}
	return "Conversation history:\n" + strings.Join(lines, "\n\n")
}

func manifestSection(files []File) string {
	if len(files) == 0 {
		return ""
	}
	lines := make([]string, 0, len(files))
	for i, f := range files {
		lines = append(lines, fmt.Sprintf("%d. %s (%s)", i+1, f.Name, describe(f)))
	}
	return "Attachments provided by the user:\n" + strings.Join(lines, "\n")
}

func describe(f File) string {
	typeLabel := f.Type
	if typeLabel == "" {
		typeLabel = "unknown type"
	}
	if f.Size < 0 {
		return typeLabel
	}
	kb := int64(math.Round(float64(f.Size) / 1024))
	if kb < 1 {
		kb = 1
	}
	return fmt.Sprintf("%s · %d KB", typeLabel, kb)
}

func contentsSection(files []File) string {
	blocks := make([]string, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		blocks = append(blocks, "--- "+f.Name+" ---\n"+f.Content)
	}
	if len(blocks) == 0 {
		return ""
	}
	return "Attachment text content:\n" + strings.Join(blocks, "\n\n")
}

func join(sections ...string) string {
	kept := sections[:0:0]
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
