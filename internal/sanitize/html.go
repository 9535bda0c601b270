package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips markup from a plain-text field (titles, names, descriptions)
// and trims surrounding whitespace. Entities are decoded because the value
// is stored as text, and the policy is applied again until decoding exposes
// no further markup.
func Text(input string) string {
	out := input
	for out != "" {
		next := html.UnescapeString(StrictPolicy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	return strings.TrimSpace(out)
}

// TextPtr applies Text to an optional field and keeps nil as nil.
func TextPtr(input *string) *string {
	if input == nil {
		return nil
	}
	out := Text(*input)
	return &out
}
