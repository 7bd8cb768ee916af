package moderation

import (
	"regexp"
	"strings"

	"github.com/apex064/earnquest-tg/internal/controlplane"
)

// linkPattern matches URLs, bare www hosts, t.me deep links and @mentions.
// Mentions count as links because they are the cheapest spam vector.
var linkPattern = regexp.MustCompile(`(?i)(https?://|www\.|t\.me/|@\w+)`)

// commands the classifier recognizes. Anything else starting with "/" is
// left alone (other bots in the group own their own commands).
var knownCommands = map[string]struct{}{
	"/rules": {},
}

// HasLink reports whether the text carries a link-like token.
func HasLink(text string) bool {
	return linkPattern.MatchString(text)
}

// Classify maps one chat event to exactly one signal.
//
// inWindow is the number of messages from this user in the rate window,
// including the current one; the caller records the message first.
//
// Violation checks run in severity order: links, then flood rate, then
// forwards. A message that trips several gates yields only the first.
func Classify(ev ChatEvent, cfg *controlplane.ModerationConfig, inWindow int) Signal {
	switch ev.Kind {
	case EventJoin:
		return SignalJoin
	case EventMessage, EventEdit:
	default:
		return SignalClean
	}

	if cmd := commandOf(ev.Text); cmd != "" {
		if _, ok := knownCommands[cmd]; ok {
			return SignalCommand
		}
		return SignalClean
	}

	if cfg != nil {
		if !cfg.AllowLinks && (ev.HasLinkEntity || HasLink(ev.Text)) {
			return SignalLink
		}
		if cfg.MaxMessagesPerMinute > 0 && inWindow > cfg.MaxMessagesPerMinute {
			return SignalRate
		}
		if !cfg.AllowForwards && ev.Forwarded {
			return SignalForward
		}
	}
	return SignalClean
}

// commandOf extracts "/rules" from "/rules@SomeBot arg". Empty when the text
// is not a command.
func commandOf(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd)
}
