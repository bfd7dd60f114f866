package chat

import (
	"strings"
	"time"
)

// Update is one inbound text event delivered by a chat gateway.
type Update struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	Text       string    `json:"text"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Command splits a "/name@bot args" text into its command name and arguments.
// ok is false when the text is not a command.
func (u Update) Command() (name, args string, ok bool) {
	text := strings.TrimSpace(u.Text)
	if !strings.HasPrefix(text, "/") || len(text) == 1 {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
