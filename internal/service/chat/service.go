package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/convo-bridge/internal/model/chat"
)

var (
	ErrChatIDRequired  = errors.New("chat id is required")
	ErrSessionNotFound = errors.New("session not found")
)

const subscriberBuffer = 16

// Service keeps chat transcripts in memory and fans outbound messages out to
// the connected websocket and SSE clients of each chat.
type Service struct {
	mu          sync.RWMutex
	limit       int
	sessions    map[string]chat.Session
	messages    map[string][]chat.Message
	subscribers map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan chat.Message
}

// NewService bootstraps the in-memory chat service. limit caps the stored
// messages per chat; zero or less keeps everything.
func NewService(limit int) *Service {
	return &Service{
		limit:       limit,
		sessions:    make(map[string]chat.Session),
		messages:    make(map[string][]chat.Message),
		subscribers: make(map[string]map[*subscription]struct{}),
	}
}

// OpenSession returns the session of chatID, creating it on first use.
func (s *Service) OpenSession(_ context.Context, chatID, source string) (chat.Session, error) {
	if chatID == "" {
		return chat.Session{}, ErrChatIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(chatID, source), nil
}

func (s *Service) openLocked(chatID, source string) chat.Session {
	if session, ok := s.sessions[chatID]; ok {
		return session
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[chatID] = session
	s.messages[chatID] = make([]chat.Message, 0, 16)
	return session
}

// SaveMessage appends a message to the chat history.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) error {
	if message.ChatID == "" {
		return ErrChatIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.openLocked(message.ChatID, "")

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	history := append(s.messages[message.ChatID], message)
	if s.limit > 0 && len(history) > s.limit {
		history = append(history[:0:0], history[len(history)-s.limit:]...)
	}
	s.messages[message.ChatID] = history
	return nil
}

// GetSession retrieves the session of a chat.
func (s *Service) GetSession(_ context.Context, chatID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[chatID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns all known sessions, oldest first.
func (s *Service) ListSessions(_ context.Context) []chat.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// LoadTranscript returns stored messages for the provided chat.
func (s *Service) LoadTranscript(_ context.Context, chatID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[chatID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Subscribe registers a receiver for outbound messages of chatID. The
// returned cancel function must be called to release it.
func (s *Service) Subscribe(chatID string) (<-chan chat.Message, func()) {
	sub := &subscription{ch: make(chan chat.Message, subscriberBuffer)}

	s.mu.Lock()
	if s.subscribers[chatID] == nil {
		s.subscribers[chatID] = make(map[*subscription]struct{})
	}
	s.subscribers[chatID][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers[chatID], sub)
			if len(s.subscribers[chatID]) == 0 {
				delete(s.subscribers, chatID)
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SendMessage delivers text to every subscriber of chatID. Subscribers whose
// buffer is full miss the message rather than stall the sender.
func (s *Service) SendMessage(_ context.Context, chatID, text string) error {
	if chatID == "" {
		return ErrChatIDRequired
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Sender:    chat.SenderRobot,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subscribers[chatID] {
		select {
		case sub.ch <- message:
		default:
		}
	}
	return nil
}

// Subscribers reports how many receivers are attached to chatID.
func (s *Service) Subscribers(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[chatID])
}
