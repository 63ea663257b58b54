package usecase

import (
	"strings"

	"manimatic/internal/domain"
)

const fence = "```"

func buildPromptMessages(prompt, scene string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "user", Content: BuildScriptPrompt(prompt, scene)},
	}
}

// BuildScriptPrompt wraps the user's prompt with the fixed rules the
// generated script must follow.
func BuildScriptPrompt(prompt, scene string) string {
	return strings.Join([]string{
		strings.TrimSpace(prompt),
		"",
		"Generate valid and executable Python code for a Manim animation based strictly on the official Manim Community documentation (https://docs.manim.community).",
		"",
		"Instructions:",
		scriptRules(scene),
	}, "\n")
}

func scriptRules(scene string) string {
	return strings.Join([]string{
		"- Start with all required imports (e.g. 'from manim import *').",
		"- Define exactly one class named '" + scene + "' that inherits from 'Scene' or a relevant Scene subclass.",
		"- Implement a single 'construct' method containing the animation logic.",
		"- Text shown in the animation may explain the content if the request asks for it, but it must not overlap other objects.",
		"- Do not assume any external assets (SVGs, images, audio, fonts). Build everything from Manim primitives, objects, and methods.",
		"- Use only Manim and the Python standard library.",
		"- The code must be fully self-contained, syntactically correct, and ready to run.",
		"- Reply with the raw Python code only: no explanations, no comments, no markdown fences.",
	}, "\n")
}

// ExtractScript pulls the script out of a free-text model reply. When the
// reply contains a fenced block the body of the first block is returned;
// otherwise the reply itself, minus any stray trailing fence. The result is
// whitespace-trimmed.
func ExtractScript(raw string) string {
	text := strings.TrimSpace(raw)
	start := fenceStart(text)
	if start < 0 {
		return text
	}
	rest := text[start+len(fence):]
	if strings.TrimSpace(rest) == "" {
		return strings.TrimSpace(text[:start])
	}

	body := dropInfoLine(rest)
	if end := fenceStart(body); end >= 0 {
		body = body[:end]
	} else {
		body = strings.TrimSuffix(strings.TrimSpace(body), fence)
	}
	return strings.TrimSpace(body)
}

// fenceStart returns the index of the first fence that begins a line.
func fenceStart(s string) int {
	if strings.HasPrefix(s, fence) {
		return 0
	}
	if i := strings.Index(s, "\n"+fence); i >= 0 {
		return i + 1
	}
	return -1
}

// dropInfoLine removes the language tag that may follow an opening fence.
func dropInfoLine(s string) string {
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		if isInfoString(strings.TrimSpace(s)) {
			return ""
		}
		return s
	}
	info := strings.TrimSpace(s[:nl])
	if info == "" || isInfoString(info) {
		return s[nl+1:]
	}
	return s
}

func isInfoString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '+', r == '.':
		default:
			return false
		}
	}
	return true
}
