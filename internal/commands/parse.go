package commands

import (
	"strings"
)

// Invocation is a recognized slash command: the lowercased command
// name, shell-split arguments, and the raw argument text with line
// breaks intact.
type Invocation struct {
	Name    string
	Args    []string
	ArgText string
}

// ParseSlashCommand recognizes a slash command at the start of a
// message. A doubled slash collapses to one (some clients require
// doubling to send a literal command), an @server suffix on the
// command token is stripped, and the name is lowercased. Returns false
// for free text.
func ParseSlashCommand(text string) (Invocation, bool) {
	text = normalizeSlashPrefix(strings.TrimSpace(text))
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return Invocation{}, false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if idx := strings.IndexAny(head, "\n\t"); idx >= 0 {
		rest = head[idx+1:] + " " + rest
		head = head[:idx]
	}
	if head == "" {
		return Invocation{}, false
	}
	if at := strings.Index(head, "@"); at >= 0 {
		head = head[:at]
	}
	name := strings.ToLower(head)
	if name == "" || !isCommandWord(name) {
		return Invocation{}, false
	}

	argText := strings.TrimSpace(rest)
	return Invocation{
		Name:    name,
		Args:    splitCommandArgs(argText),
		ArgText: argText,
	}, true
}

func normalizeSlashPrefix(text string) string {
	if strings.HasPrefix(text, "//") {
		return text[1:]
	}
	return text
}

func isCommandWord(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// splitCommandArgs splits with shell-like quote support. Unbalanced
// quotes fall back to plain whitespace splitting rather than erroring,
// since chat input is not a shell.
func splitCommandArgs(text string) []string {
	if text == "" {
		return nil
	}
	args, ok := splitQuoted(text)
	if !ok {
		return strings.Fields(text)
	}
	return args
}

func splitQuoted(text string) ([]string, bool) {
	var args []string
	var current strings.Builder
	inWord := false
	var quote rune

	flush := func() {
		if inWord {
			args = append(args, current.String())
			current.Reset()
			inWord = false
		}
	}

	escaped := false
	for _, r := range text {
		if escaped {
			current.WriteRune(r)
			inWord = true
			escaped = false
			continue
		}
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else if r == '\\' && quote == '"' {
				escaped = true
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			escaped = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, false
	}
	flush()
	return args, true
}
