// Package bridge relays chat text to the conversation engine as goals, relays
// goal feedback and results back to chat, and turns engine clarification
// requests into a blocking question/answer exchange with the chat user.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

const (
	greetingText     = "Hi! Your typed wish is my command"
	introductionText = "I'm %s, please talk to me!"
	helpText         = `With what? Please type a command in "natural" language`
	startFirstText   = "Begin a conversation with /start"
	busyText         = "I'm busy..."
	unreachableText  = "I cannot reach my conversation engine right now, please try /start again later"
)

var (
	ErrNoSession         = errors.New("no chat session started")
	ErrQuestionPending   = errors.New("another question is already waiting for an answer")
	ErrQuestionAbandoned = errors.New("question abandoned before it was answered")
)

// MissingDescriptionError is returned for clarification requests without a question text.
type MissingDescriptionError struct {
	Grammar string
	Target  string
}

func (e *MissingDescriptionError) Error() string {
	grammar := []rune(e.Grammar)
	if len(grammar) > 10 {
		grammar = grammar[:10]
	}
	return fmt.Sprintf("cannot answer empty question. grammar='%s...', target='%s'", string(grammar), e.Target)
}

// Sender delivers text to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// GoalExecutor runs goals asynchronously and reports back through callbacks.
type GoalExecutor interface {
	WaitForServer(ctx context.Context) error
	SendGoal(ctx context.Context, g goal.Goal, done goal.DoneFunc, feedback goal.FeedbackFunc) error
	CancelAllGoals(ctx context.Context) error
}

// SentenceParser extracts semantics from a sanitized sentence.
type SentenceParser interface {
	Parse(ctx context.Context, sentence, grammar, target string) (goal.Semantics, error)
}

// Transcript records the conversation for inspection.
type Transcript interface {
	OpenSession(ctx context.Context, chatID, source string) (chat.Session, error)
	SaveMessage(ctx context.Context, message chat.Message) error
}

// Config holds the bridge's static settings.
type Config struct {
	RobotName string
	// WaitTimeout bounds how long /start waits for the engine; zero waits until ctx ends.
	WaitTimeout time.Duration
}

type pendingQuestion struct {
	description string
	askedAt     time.Time
	answer      chan string
	abandoned   chan struct{}
}

// Bridge is the single coordinator between one chat session and the conversation engine.
type Bridge struct {
	cfg        Config
	sender     Sender
	executor   GoalExecutor
	parser     SentenceParser
	transcript Transcript
	logger     *zap.Logger

	mu      sync.Mutex
	session *chat.Session
	pending *pendingQuestion
}

// New creates a Bridge without a bound session.
func New(cfg Config, sender Sender, executor GoalExecutor, parser SentenceParser, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:      cfg,
		sender:   sender,
		executor: executor,
		parser:   parser,
		logger:   logger.Named("bridge"),
	}
}

// SetTranscript enables conversation recording. Call before the bridge receives events.
func (b *Bridge) SetTranscript(t Transcript) {
	b.transcript = t
}

// OnStart binds the session to the invoking chat, resets pending state and cancels outstanding goals.
func (b *Bridge) OnStart(ctx context.Context, update chat.Update) error {
	b.logger.Info("start received", zap.String("chat_id", update.ChatID), zap.String("text", update.Text))
	b.record(ctx, update.ChatID, chat.SenderUser, update.Text)
	b.reply(ctx, update, greetingText)

	session := b.openSession(ctx, update)
	b.mu.Lock()
	b.session = &session
	b.mu.Unlock()
	b.logger.Info("session started", zap.String("chat_id", session.ChatID), zap.String("session_id", session.ID))

	b.clearPending("session restarted")

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.cfg.WaitTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.WaitTimeout)
	}
	err := b.executor.WaitForServer(waitCtx)
	cancel()
	if err != nil {
		b.reply(ctx, update, unreachableText)
		return fmt.Errorf("wait for conversation engine: %w", err)
	}

	if err := b.executor.CancelAllGoals(ctx); err != nil {
		return fmt.Errorf("cancel goals: %w", err)
	}

	b.reply(ctx, update, fmt.Sprintf(introductionText, b.cfg.RobotName))
	return nil
}

// OnStop clears the pending question and cancels all goals; the chat binding is kept.
func (b *Bridge) OnStop(ctx context.Context, update chat.Update) error {
	b.logger.Info("stop received", zap.String("chat_id", update.ChatID), zap.String("text", update.Text))
	b.record(ctx, update.ChatID, chat.SenderUser, update.Text)

	// cancel_all must reach the engine before the abandoned question's answer.
	err := b.executor.CancelAllGoals(ctx)
	b.clearPending("stop requested")
	if err != nil {
		return fmt.Errorf("cancel goals: %w", err)
	}
	return nil
}

// OnHelp replies with usage text.
func (b *Bridge) OnHelp(ctx context.Context, update chat.Update) error {
	b.logger.Info("help received", zap.String("chat_id", update.ChatID))
	b.record(ctx, update.ChatID, chat.SenderUser, update.Text)
	b.reply(ctx, update, helpText)
	return nil
}

// OnTextMessage answers a pending question or submits the text as a new goal.
func (b *Bridge) OnTextMessage(ctx context.Context, update chat.Update) error {
	b.logger.Info("text received", zap.String("chat_id", update.ChatID), zap.String("text", update.Text))
	b.record(ctx, update.ChatID, chat.SenderUser, update.Text)

	b.mu.Lock()
	if b.session == nil || b.session.ChatID != update.ChatID {
		b.mu.Unlock()
		b.reply(ctx, update, startFirstText)
		return nil
	}
	if p := b.pending; p != nil {
		b.pending = nil
		p.answer <- update.Text
		b.mu.Unlock()
		b.logger.Info("text is an answer", zap.String("question", p.description), zap.String("answer", update.Text))
		return nil
	}
	b.mu.Unlock()

	g := goal.New(Sanitize(update.Text))
	b.logger.Info("text is a new command", zap.String("goal_id", g.ID), zap.String("command", g.Command))
	if err := b.executor.SendGoal(ctx, g, b.OnGoalDone, b.OnGoalFeedback); err != nil {
		return fmt.Errorf("send goal %s: %w", g.ID, err)
	}
	return nil
}

// OnError logs errors raised while handling chat updates.
func (b *Bridge) OnError(_ context.Context, update chat.Update, err error) {
	b.logger.Error("update caused error",
		zap.String("chat_id", update.ChatID),
		zap.String("text", update.Text),
		zap.Error(err))
}

// DetermineAnswer poses q in chat and blocks until the user answers, the
// question is abandoned, or ctx ends. Failures are reported in Answer.Err.
func (b *Bridge) DetermineAnswer(ctx context.Context, q goal.Question) goal.Answer {
	b.logger.Info("need to determine answer", zap.String("description", q.Description))

	if q.Description == "" {
		err := &MissingDescriptionError{Grammar: q.Grammar, Target: q.Target}
		b.logger.Error("cannot determine answer", zap.Error(err))
		return goal.ErrorAnswer(err)
	}

	b.mu.Lock()
	if b.session == nil {
		b.mu.Unlock()
		return goal.ErrorAnswer(ErrNoSession)
	}
	if b.pending != nil {
		current := b.pending.description
		b.mu.Unlock()
		b.logger.Warn("rejecting question", zap.String("description", q.Description), zap.String("pending", current))
		return goal.ErrorAnswer(ErrQuestionPending)
	}
	p := &pendingQuestion{
		description: q.Description,
		askedAt:     time.Now().UTC(),
		answer:      make(chan string, 1),
		abandoned:   make(chan struct{}),
	}
	b.pending = p
	chatID := b.session.ChatID
	b.mu.Unlock()

	if err := b.send(ctx, chatID, q.Description); err != nil {
		b.dropPending(p)
		return goal.ErrorAnswer(fmt.Errorf("pose question: %w", err))
	}
	b.logger.Info("passed question to user", zap.String("chat_id", chatID))

	var raw string
	select {
	case raw = <-p.answer:
	case <-p.abandoned:
		return goal.ErrorAnswer(ErrQuestionAbandoned)
	case <-ctx.Done():
		b.dropPending(p)
		return goal.ErrorAnswer(ctx.Err())
	}
	b.logger.Info("received answer", zap.String("answer", raw))

	sanitized := Sanitize(StripAnswerPrefix(raw))
	semantics, err := b.parser.Parse(ctx, sanitized, q.Grammar, q.Target)
	if err != nil {
		b.logger.Warn("could not parse answer", zap.String("sentence", sanitized), zap.Error(err))
		return goal.Answer{Sentence: sanitized, Semantics: goal.Semantics{}, Err: fmt.Errorf("parse answer: %w", err)}
	}
	b.logger.Info("parsed semantics", zap.Any("semantics", semantics))

	return goal.Answer{Sentence: sanitized, Semantics: semantics}
}

// OnGoalDone resets the pending question and relays the result sentence.
func (b *Bridge) OnGoalDone(ctx context.Context, status goal.Status, result goal.Result) {
	b.logger.Info("goal done", zap.String("status", string(status)), zap.String("result", result.ResultSentence))

	b.clearPending("goal finished")

	chatID, ok := b.chatID()
	if !ok {
		b.logger.Warn("goal finished without a chat session")
		return
	}
	if result.ResultSentence == "" {
		b.logger.Debug("empty result sentence, nothing to relay")
		return
	}
	_ = b.send(ctx, chatID, result.ResultSentence)
}

// OnGoalFeedback tells the user the robot is busy; feedback content is not relayed.
func (b *Bridge) OnGoalFeedback(ctx context.Context, status goal.Status, feedback goal.Feedback) {
	b.logger.Debug("goal feedback", zap.String("status", string(status)), zap.Any("feedback", feedback))

	chatID, ok := b.chatID()
	if !ok {
		return
	}
	_ = b.send(ctx, chatID, busyText)
}

// Status is a point-in-time view of the bridge state.
type Status struct {
	ChatID         string     `json:"chatId,omitempty"`
	Source         string     `json:"source,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	AwaitingAnswer bool       `json:"awaitingAnswer"`
	Question       string     `json:"question,omitempty"`
	AskedAt        *time.Time `json:"askedAt,omitempty"`
}

// Snapshot reports the bound session and pending question.
func (b *Bridge) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	var st Status
	if b.session != nil {
		startedAt := b.session.CreatedAt
		st.ChatID = b.session.ChatID
		st.Source = b.session.Source
		st.SessionID = b.session.ID
		st.StartedAt = &startedAt
	}
	if b.pending != nil {
		askedAt := b.pending.askedAt
		st.AwaitingAnswer = true
		st.Question = b.pending.description
		st.AskedAt = &askedAt
	}
	return st
}

func (b *Bridge) openSession(ctx context.Context, update chat.Update) chat.Session {
	if b.transcript != nil {
		session, err := b.transcript.OpenSession(ctx, update.ChatID, update.Source)
		if err == nil {
			return session
		}
		b.logger.Warn("could not open transcript session", zap.String("chat_id", update.ChatID), zap.Error(err))
	}
	return chat.Session{
		ID:        uuid.NewString(),
		ChatID:    update.ChatID,
		Source:    update.Source,
		CreatedAt: time.Now().UTC(),
	}
}

// clearPending abandons a waiting question, unblocking DetermineAnswer.
func (b *Bridge) clearPending(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return
	}
	close(b.pending.abandoned)
	b.logger.Info("pending question cleared", zap.String("question", b.pending.description), zap.String("reason", reason))
	b.pending = nil
}

func (b *Bridge) dropPending(p *pendingQuestion) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == p {
		b.pending = nil
	}
}

func (b *Bridge) chatID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return "", false
	}
	return b.session.ChatID, true
}

func (b *Bridge) reply(ctx context.Context, update chat.Update, text string) {
	_ = b.send(ctx, update.ChatID, text)
}

func (b *Bridge) send(ctx context.Context, chatID, text string) error {
	b.record(ctx, chatID, chat.SenderRobot, text)
	if err := b.sender.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("send message failed", zap.String("chat_id", chatID), zap.Error(err))
		return err
	}
	return nil
}

func (b *Bridge) record(ctx context.Context, chatID, sender, text string) {
	if b.transcript == nil {
		return
	}
	err := b.transcript.SaveMessage(ctx, chat.Message{ChatID: chatID, Sender: sender, Content: text})
	if err != nil {
		b.logger.Debug("transcript write failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}
