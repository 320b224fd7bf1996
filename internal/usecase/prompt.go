package usecase

import (
	"strings"
)

// buildSystemPrompt appends the channel rules to the configured persona.
func buildSystemPrompt(persona string) string {
	persona = normalizePromptInput(persona)
	rules := strings.Join([]string{
		"Channel Rules:",
		channelRules(),
	}, "\n")
	if persona == "" {
		return rules
	}
	return persona + "\n\n" + rules
}

func channelRules() string {
	return strings.Join([]string{
		"1) You are replying inside a WhatsApp chat; answer only the latest user message.",
		"2) Use plain text. WhatsApp supports *bold*, _italic_ and simple lists; avoid tables and headings.",
		"3) Keep replies short enough to read on a phone, well under 4096 characters.",
		"4) Reply in the language the user wrote in.",
	}, "\n")
}

// normalizePromptInput strips trailing whitespace and collapses runs of blank
// lines, keeping the persona's indentation and paragraph structure.
func normalizePromptInput(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
