package classify

import (
	"regexp"
	"strings"

	"tasknotify/internal/notify"
)

// Mentions use braces so names may contain spaces: "@{Jane Doe}".
var mentionRe = regexp.MustCompile(`@\{([^}]+)\}`)

// MentionTokens returns the trimmed names inside @{...} tokens, in order.
func MentionTokens(text string) []string {
	var out []string
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ResolveMentions returns the users whose Name or CustomName matches a
// mention token, compared trimmed and case-insensitively. Each user appears
// once, in order of first mention. Unmatched tokens are ignored.
func ResolveMentions(text string, users []notify.User) []notify.User {
	tokens := MentionTokens(text)
	if len(tokens) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []notify.User
	for _, tok := range tokens {
		for _, u := range users {
			if u.ID == "" || seen[u.ID] {
				continue
			}
			if nameMatches(tok, u.Name) || nameMatches(tok, u.CustomName) {
				seen[u.ID] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func nameMatches(token, name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && strings.EqualFold(token, name)
}
