package history

import (
	"context"
	"regexp"
)

// Card runs before phone so long digit runs are not reported as phone
// numbers.
var piiRules = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks email addresses, card numbers and phone numbers.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range piiRules {
		out = rule.pattern.ReplaceAllString(out, rule.marker)
	}
	return out, out != input
}

type redactingStore struct {
	Store
}

// Redacting wraps next so message content and transcripts are masked
// before they reach storage.
func Redacting(next Store) Store {
	return redactingStore{Store: next}
}

func (s redactingStore) SaveMessage(ctx context.Context, r MessageRecord) error {
	var changed bool
	r.Content, changed = RedactPII(r.Content)
	r.PIIRedacted = r.PIIRedacted || changed
	return s.Store.SaveMessage(ctx, r)
}

func (s redactingStore) SaveTurn(ctx context.Context, r TurnRecord) error {
	var changed bool
	r.Transcript, changed = RedactPII(r.Transcript)
	r.PIIRedacted = r.PIIRedacted || changed
	return s.Store.SaveTurn(ctx, r)
}
