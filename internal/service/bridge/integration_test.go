package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/convo-bridge/internal/analysis/grammar"
	"github.com/zhouzirui/convo-bridge/internal/model/chat"
	"github.com/zhouzirui/convo-bridge/internal/service/engine"
)

func startEngine(t *testing.T) *engine.Client {
	t.Helper()
	srv := httptest.NewServer(engine.NewSimulator(engine.DefaultScenarios(), nil))
	t.Cleanup(srv.Close)

	opts := engine.DefaultOptions()
	opts.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	opts.RetryBackoff = 10 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Millisecond
	client := engine.NewClient(opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client
}

func TestBridgeAgainstEngineSimulator(t *testing.T) {
	client := startEngine(t)
	sender := newFakeSender()
	b := New(Config{RobotName: "amigo", WaitTimeout: 2 * time.Second}, sender, client, grammar.NewParser(), nil)
	client.SetClarifier(b)
	ctx := context.Background()

	require.NoError(t, b.OnStart(ctx, chat.Update{ChatID: "42", Text: "/start"}))
	sender.waitFor(t, "I'm amigo, please talk to me!")

	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "Go to the Kitchen!"}))
	sender.waitFor(t, "Which kitchen?")
	assert.True(t, b.Snapshot().AwaitingAnswer)

	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "/answer the big one"}))
	sender.waitFor(t, "I went to the big kitchen")
	assert.False(t, b.Snapshot().AwaitingAnswer)

	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "Where is the cup?"}))
	sender.waitFor(t, "Where is the cup?")
	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "bed"}))
	sender.waitFor(t, "I brought you the cup from the bedroom")
}

func TestBridgeStopAbandonsEngineQuestion(t *testing.T) {
	client := startEngine(t)
	sender := newFakeSender()
	b := New(Config{RobotName: "amigo", WaitTimeout: 2 * time.Second}, sender, client, grammar.NewParser(), nil)
	client.SetClarifier(b)
	ctx := context.Background()

	require.NoError(t, b.OnStart(ctx, chat.Update{ChatID: "42", Text: "/start"}))
	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "go to the kitchen"}))
	sender.waitFor(t, "Which kitchen?")

	require.NoError(t, b.OnStop(ctx, chat.Update{ChatID: "42", Text: "/stop"}))
	assert.False(t, b.Snapshot().AwaitingAnswer)

	require.Eventually(t, func() bool { return client.PendingGoals() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.OnTextMessage(ctx, chat.Update{ChatID: "42", Text: "dance"}))
	sender.waitFor(t, "I did: dance")
}
