package conversation

import (
	"regexp"
	"sort"
	"strings"
)

type Intent int

const (
	IntentEmpty Intent = iota
	IntentStop
	IntentInstruction
)

func (i Intent) String() string {
	switch i {
	case IntentStop:
		return "stop"
	case IntentInstruction:
		return "instruction"
	default:
		return "empty"
	}
}

var DefaultStopPhrases = []string{
	"no",
	"nope",
	"nah",
	"stop",
	"don't",
	"dont",
	"no thanks",
	"thank you",
	"that's all",
	"thats all",
}

var defaultClassifier = NewClassifier(nil)

// Classifier matches transcripts against a stop-phrase lexicon as
// case-insensitive whole words.
type Classifier struct {
	stopRe *regexp.Regexp
}

// NewClassifier falls back to DefaultStopPhrases when phrases is empty.
func NewClassifier(phrases []string) *Classifier {
	cleaned := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, regexp.QuoteMeta(strings.ToLower(p)))
		}
	}
	if len(cleaned) == 0 {
		for _, p := range DefaultStopPhrases {
			cleaned = append(cleaned, regexp.QuoteMeta(p))
		}
	}
	// Longest first so "no thanks" wins over "no" in the match text.
	sort.SliceStable(cleaned, func(i, j int) bool { return len(cleaned[i]) > len(cleaned[j]) })
	return &Classifier{stopRe: regexp.MustCompile(`(?i)\b(?:` + strings.Join(cleaned, "|") + `)\b`)}
}

func (c *Classifier) Classify(transcript string) Intent {
	text := normalizeTranscript(transcript)
	switch {
	case text == "":
		return IntentEmpty
	case c.stopRe.MatchString(text):
		return IntentStop
	default:
		return IntentInstruction
	}
}

// Classify uses the default stop lexicon.
func Classify(transcript string) Intent {
	return defaultClassifier.Classify(transcript)
}

func normalizeTranscript(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	s = strings.ReplaceAll(s, "‘", "'")
	return strings.TrimSpace(s)
}
