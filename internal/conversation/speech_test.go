package conversation

import "testing"

func TestSpeakable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  recieve  ", "recieve"},
		{"emoji and emphasis", "Sure \U0001F60A **let's** fix this / now.", "Sure let's fix this now."},
		{"link label", "See [the rule](https://example.com/rule) here.", "See the rule here."},
		{"code", "```\nteh\n```\nThen `x` done", "Then done"},
		{"symbol runs", "one***two///three", "one two three"},
		{"bare url", "visit https://example.com today", "visit today"},
		{"only markup", "### ***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Speakable(tt.in); got != tt.want {
				t.Fatalf("Speakable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
