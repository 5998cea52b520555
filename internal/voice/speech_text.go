package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// SanitizeSpeechText reduces model text to what the synthesis engine should
// read aloud: letters, digits, combining marks, single spaces and sentence
// punctuation. Markdown links keep their label; URLs and code are dropped.
func SanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	hasContent := false

	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevSpace = false
			hasContent = true
		case unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r):
			if !prevSpace {
				b.WriteRune(r)
			}
		case isSpeechPunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			// Whitespace and everything stripped collapse into one space so
			// "Hello***world" does not fuse into a single word.
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}

	if !hasContent {
		return ""
	}
	return strings.TrimSpace(b.String())
}

func isSpeechPunctuation(r rune) bool {
	switch r {
	case '。', '！', '？', '、', '，', '.', ',', '!', '?':
		return true
	default:
		return false
	}
}
