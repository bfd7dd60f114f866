// Package dispatch routes inbound chat updates to command and text handlers on
// a single background goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
)

var ErrEmptyText = errors.New("update has no text")

// HandlerFunc handles one update.
type HandlerFunc func(ctx context.Context, update chat.Update) error

// ErrorHandlerFunc receives errors and panics raised by handlers.
type ErrorHandlerFunc func(ctx context.Context, update chat.Update, err error)

// Dispatcher queues updates and hands them to handlers one at a time.
type Dispatcher struct {
	commands map[string]HandlerFunc
	text     HandlerFunc
	onError  ErrorHandlerFunc
	updates  chan chat.Update
	logger   *zap.Logger
}

// New creates a Dispatcher with a queue of size buffer.
func New(buffer int, logger *zap.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		commands: make(map[string]HandlerFunc),
		updates:  make(chan chat.Update, buffer),
		logger:   logger.Named("dispatch"),
	}
}

// AddCommand registers h for "/name". Register handlers before Run.
func (d *Dispatcher) AddCommand(name string, h HandlerFunc) {
	d.commands[name] = h
}

// SetTextHandler registers the handler for text that is not a registered command.
func (d *Dispatcher) SetTextHandler(h HandlerFunc) {
	d.text = h
}

// SetErrorHandler registers the handler for failed updates.
func (d *Dispatcher) SetErrorHandler(h ErrorHandlerFunc) {
	d.onError = h
}

// Submit queues an update, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, update chat.Update) error {
	if update.Text == "" {
		return ErrEmptyText
	}
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	if update.ReceivedAt.IsZero() {
		update.ReceivedAt = time.Now().UTC()
	}

	select {
	case d.updates <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued updates until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", zap.Int("commands", len(d.commands)))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case update := <-d.updates:
			d.Dispatch(ctx, update)
		}
	}
}

// Dispatch routes one update synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, update chat.Update) {
	handler := d.route(update)
	if handler == nil {
		d.logger.Debug("no handler for update", zap.String("chat_id", update.ChatID), zap.String("text", update.Text))
		return
	}

	if err := d.invoke(ctx, handler, update); err != nil {
		if d.onError != nil {
			d.onError(ctx, update, err)
			return
		}
		d.logger.Error("update handler failed", zap.String("chat_id", update.ChatID), zap.Error(err))
	}
}

func (d *Dispatcher) route(update chat.Update) HandlerFunc {
	if name, _, ok := update.Command(); ok {
		if h, found := d.commands[name]; found {
			return h
		}
	}
	return d.text
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, update chat.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, update)
}
