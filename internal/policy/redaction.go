package policy

import "regexp"

// Redaction kinds, in the order rules run.
const (
	KindEmail       = "email"
	KindSpokenEmail = "spoken_email"
	KindCard        = "card"
	KindPhone       = "phone"
)

type rule struct {
	kind        string
	pattern     *regexp.Regexp
	replacement string
}

// Cards run before phones so a card number is not masked as a phone.
// Spoken emails cover what speech recognition produces for an address read
// aloud ("sam at example dot com").
var captionRules = []rule{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{KindSpokenEmail, regexp.MustCompile(`(?i)\b[a-z0-9._\-]+ at [a-z0-9\-]+(?: dot [a-z0-9\-]+)* dot (?:com|net|org|io|in|co|edu|gov)\b`), "[REDACTED_EMAIL]"},
	{KindCard, regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{KindPhone, regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactCaption masks high-risk PII in a model caption before it is stored.
// kinds lists each rule that matched, in rule order.
func RedactCaption(text string) (redacted string, kinds []string) {
	out := text
	for _, r := range captionRules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		if next != out {
			kinds = append(kinds, r.kind)
			out = next
		}
	}
	return out, kinds
}
