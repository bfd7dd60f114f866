package chat

import "time"

// Session binds the bridge to one chat conversation.
type Session struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}
