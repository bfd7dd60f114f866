package chat

import "time"

// Sender values recorded in the transcript.
const (
	SenderUser  = "user"
	SenderRobot = "robot"
)

// Message persists individual turns for audit/debug.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
