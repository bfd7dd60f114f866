package bridge

import (
	"strings"
	"unicode"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
)

// answerCommand is the command users may put in front of an answer ("/answer bed", "/answer@bot bed").
const answerCommand = "answer"

// excludedRunes are stripped from chat text before it is submitted or parsed.
const excludedRunes = "!.,:'?`~@#$%^&*()_+=-></*"

// Sanitize removes punctuation in excludedRunes and lowercases the rest.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(excludedRunes, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// StripAnswerPrefix removes a leading /answer command, with or without a bot mention.
func StripAnswerPrefix(text string) string {
	name, args, ok := chat.Update{Text: text}.Command()
	if !ok || name != answerCommand {
		return text
	}
	return args
}
