// Package identity derives the stable keys that deduplicate metric and
// submetric definitions across repeated ingestion. Keys are lowercase
// hyphen-separated ASCII; display labels stay free-form and editable while
// the derived key never changes for the same input.
package identity

import (
	"regexp"
	"strings"
)

// bracketLabel matches the legacy "[Category] - Rest" submetric label form.
var bracketLabel = regexp.MustCompile(`^\s*\[([^\]]*)\]\s*-\s*(.*)$`)

// NormalizeKey lowercases the input, collapses every run of characters
// outside [a-z0-9] into a single hyphen, and trims hyphens from both ends.
// Idempotent; empty or all-punctuation input yields "".
func NormalizeKey(text string) string {
	key := make([]rune, 0, len(text))
	lastDash := false
	for _, ch := range strings.ToLower(strings.TrimSpace(text)) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			key = append(key, ch)
			lastDash = false
			continue
		}
		if !lastDash {
			key = append(key, '-')
			lastDash = true
		}
	}
	return strings.Trim(string(key), "-")
}

// ParseBracketLabel splits the legacy "[Category] - Rest" label form into
// its category and remainder, both trimmed. ok is false when the label does
// not carry the bracket prefix.
func ParseBracketLabel(label string) (category, rest string, ok bool) {
	match := bracketLabel.FindStringSubmatch(label)
	if match == nil {
		return "", "", false
	}
	return strings.TrimSpace(match[1]), strings.TrimSpace(match[2]), true
}

// DeriveMetricKey keys a metric by its display label.
func DeriveMetricKey(label string) string {
	return NormalizeKey(label)
}

// DeriveSubmetricKey builds the composite key for a submetric from an
// explicit category and base label. The two parts are joined before
// normalizing, so a category that normalizes away cannot leave a dangling
// hyphen, and the output is identical to the legacy label path for the
// same category/rest pair.
func DeriveSubmetricKey(category, base string) string {
	if strings.TrimSpace(category) == "" {
		return NormalizeKey(base)
	}
	return NormalizeKey(category + "-" + base)
}

// DeriveSubmetricKeyFromLabel keys a submetric by its raw label, honoring
// the legacy "[Category] - Rest" form when present.
func DeriveSubmetricKeyFromLabel(label string) string {
	if category, rest, ok := ParseBracketLabel(label); ok {
		return DeriveSubmetricKey(category, rest)
	}
	return NormalizeKey(label)
}
