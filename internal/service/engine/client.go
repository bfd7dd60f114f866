// Package engine talks to the conversation_engine action server over a
// websocket: it submits goals, relays feedback and results to per-goal
// callbacks and forwards clarification questions to a Clarifier.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

var (
	ErrNotConnected = errors.New("conversation engine not connected")
	ErrNotReady     = errors.New("conversation engine not ready")
	ErrNoClarifier  = errors.New("no clarifier registered")
)

// Clarifier answers questions the engine raises while a goal runs.
type Clarifier interface {
	DetermineAnswer(ctx context.Context, q goal.Question) goal.Answer
}

// Options 连接参数
type Options struct {
	URL            string        // 服务器地址，例如 ws://localhost:9090
	Action         string        // 动作名称
	ConnectTimeout time.Duration // 握手超时
	ReadTimeout    time.Duration // 读超时
	WriteTimeout   time.Duration // 写超时
	PingInterval   time.Duration // Ping间隔
	MaxRetries     int           // 每轮最大重试次数
	RetryBackoff   time.Duration // 重试线性退避基数
	ReconnectDelay time.Duration // 断线后重连等待
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		URL:            "ws://localhost:9090",
		Action:         "conversation_engine",
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

// Endpoint returns the websocket URL of the action.
func (o Options) Endpoint() string {
	return strings.TrimRight(o.URL, "/") + "/actions/" + o.Action
}

type trackedGoal struct {
	goal     goal.Goal
	sentAt   time.Time
	done     goal.DoneFunc
	feedback goal.FeedbackFunc
}

// Client is a reconnecting action client for one action server.
type Client struct {
	opts   Options
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     bool
	readyCh   chan struct{}
	goals     map[string]*trackedGoal
	clarifier Clarifier
}

// NewClient creates a client; call Run to connect.
func NewClient(opts Options, logger *zap.Logger) *Client {
	defaults := DefaultOptions()
	if opts.Action == "" {
		opts.Action = defaults.Action
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaults.RetryBackoff
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		logger:  logger.Named("engine").With(zap.String("endpoint", opts.Endpoint())),
		readyCh: make(chan struct{}),
		goals:   make(map[string]*trackedGoal),
	}
}

// SetClarifier registers the receiver of engine questions.
func (c *Client) SetClarifier(cl Clarifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clarifier = cl
}

// Ready reports whether the server has announced itself on the current connection.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// PendingGoals reports how many goals await a result.
func (c *Client) PendingGoals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.goals)
}

// Run keeps a connection to the server until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("conversation engine unreachable", zap.Error(err))
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// WaitForServer blocks until the server is ready or ctx ends.
func (c *Client) WaitForServer(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	ch := c.readyCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// SendGoal submits g; done runs once with the terminal status, feedback for every progress update.
func (c *Client) SendGoal(ctx context.Context, g goal.Goal, done goal.DoneFunc, feedback goal.FeedbackFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.ready {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.goals[g.ID] = &trackedGoal{goal: g, sentAt: time.Now(), done: done, feedback: feedback}
	c.mu.Unlock()

	frame, err := NewFrame(FrameGoal, g.ID, "", goalPayload{Command: g.Command})
	if err == nil {
		err = c.write(conn, frame)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.goals, g.ID)
		c.mu.Unlock()
		return fmt.Errorf("send goal: %w", err)
	}

	c.logger.Debug("goal sent", zap.String("goal_id", g.ID), zap.String("command", g.Command))
	return nil
}

// CancelAllGoals asks the server to preempt every goal. Results still arrive through the done callbacks.
func (c *Client) CancelAllGoals(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := NewFrame(FrameCancelAll, "", "", nil)
	if err != nil {
		return err
	}
	if err := c.write(conn, frame); err != nil {
		return fmt.Errorf("cancel all goals: %w", err)
	}
	c.logger.Debug("cancel_all sent")
	return nil
}

// connectWithRetry 带重试的连接建立
func (c *Client) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error

	for i := 0; i < c.opts.MaxRetries; i++ {
		conn, err := c.connect(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		retryDelay := time.Duration(i+1) * c.opts.RetryBackoff
		c.logger.Debug("dial failed, retrying", zap.Int("attempt", i+1), zap.Duration("delay", retryDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", c.opts.MaxRetries, lastErr)
}

// connect 建立单次连接
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.opts.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.Endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to conversation engine")

	connCtx, cancel := context.WithCancel(ctx)
	stopClose := context.AfterFunc(connCtx, func() { _ = conn.Close() })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(connCtx, conn)
	}()

	err := c.readLoop(ctx, conn)
	if stopClose() {
		_ = conn.Close()
	}
	cancel()
	wg.Wait()

	c.disconnect(conn, err)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		c.handle(ctx, conn, frame)
	}
}

// pingLoop 定期发送ping消息
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, frame Frame) {
	switch frame.Type {
	case FrameReady:
		c.markReady()
	case FrameFeedback:
		var p feedbackPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("bad feedback frame", zap.String("goal_id", frame.GoalID), zap.Error(err))
			return
		}
		tracked := c.lookup(frame.GoalID, false)
		if tracked == nil {
			c.logger.Debug("feedback for unknown goal", zap.String("goal_id", frame.GoalID))
			return
		}
		if tracked.feedback != nil {
			tracked.feedback(ctx, p.Status, p.Feedback)
		}
	case FrameResult:
		var p resultPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("bad result frame", zap.String("goal_id", frame.GoalID), zap.Error(err))
			return
		}
		tracked := c.lookup(frame.GoalID, true)
		if tracked == nil {
			c.logger.Debug("result for unknown goal", zap.String("goal_id", frame.GoalID))
			return
		}
		c.logger.Info("goal finished",
			zap.String("goal_id", frame.GoalID),
			zap.String("status", string(p.Status)),
			zap.Duration("elapsed", time.Since(tracked.sentAt)))
		if tracked.done != nil {
			tracked.done(ctx, p.Status, p.Result)
		}
	case FrameQuestion:
		c.answer(ctx, conn, frame)
	default:
		c.logger.Warn("unexpected frame", zap.String("type", string(frame.Type)))
	}
}

func (c *Client) answer(ctx context.Context, conn *websocket.Conn, frame Frame) {
	var answer goal.Answer

	var p questionPayload
	if err := frame.Decode(&p); err != nil {
		answer = goal.ErrorAnswer(err)
	} else {
		c.mu.Lock()
		cl := c.clarifier
		c.mu.Unlock()

		if cl == nil {
			answer = goal.ErrorAnswer(ErrNoClarifier)
		} else {
			answer = cl.DetermineAnswer(ctx, goal.Question{
				ID:          frame.QuestionID,
				GoalID:      frame.GoalID,
				Description: p.Description,
				Grammar:     p.Grammar,
				Target:      p.Target,
			})
		}
	}

	reply, err := NewFrame(FrameAnswer, frame.GoalID, frame.QuestionID, answerFrom(answer))
	if err == nil {
		err = c.write(conn, reply)
	}
	if err != nil {
		c.logger.Error("could not send answer", zap.String("question_id", frame.QuestionID), zap.Error(err))
	}
}

func (c *Client) write(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (c *Client) lookup(goalID string, remove bool) *trackedGoal {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked, ok := c.goals[goalID]
	if !ok {
		return nil
	}
	if remove {
		delete(c.goals, goalID)
	}
	return tracked
}

func (c *Client) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return
	}
	c.ready = true
	close(c.readyCh)
	c.logger.Info("conversation engine ready")
}

func (c *Client) disconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
	dropped := c.goals
	c.goals = make(map[string]*trackedGoal)
	c.mu.Unlock()

	c.logger.Warn("disconnected from conversation engine", zap.Error(cause))
	for id, tracked := range dropped {
		c.logger.Warn("dropping goal after connection loss", zap.String("goal_id", id), zap.String("command", tracked.goal.Command))
	}
}
