package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
	"github.com/zhouzirui/convo-bridge/internal/model/goal"
	chatservice "github.com/zhouzirui/convo-bridge/internal/service/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentMessage struct {
	chatID string
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	ch   chan sentMessage
	err  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sentMessage, 64)}
}

func (f *fakeSender) SendMessage(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	msg := sentMessage{chatID: chatID, text: text}
	f.sent = append(f.sent, msg)
	f.ch <- msg
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		texts = append(texts, m.text)
	}
	return texts
}

// waitFor drains sent messages until one with text arrives.
func (f *fakeSender) waitFor(t *testing.T, text string) sentMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.ch:
			if msg.text == text {
				return msg
			}
		case <-timeout:
			t.Fatalf("message %q was never sent; sent so far: %v", text, f.texts())
			return sentMessage{}
		}
	}
}

type submittedGoal struct {
	goal     goal.Goal
	done     goal.DoneFunc
	feedback goal.FeedbackFunc
}

type fakeExecutor struct {
	mu          sync.Mutex
	goals       []submittedGoal
	cancelCalls int
	waitErr     error
}

func (f *fakeExecutor) WaitForServer(context.Context) error {
	return f.waitErr
}

func (f *fakeExecutor) SendGoal(_ context.Context, g goal.Goal, done goal.DoneFunc, feedback goal.FeedbackFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, submittedGoal{goal: g, done: done, feedback: feedback})
	return nil
}

func (f *fakeExecutor) CancelAllGoals(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeExecutor) cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

func (f *fakeExecutor) submitted() []submittedGoal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submittedGoal(nil), f.goals...)
}

type fakeParser struct {
	err error
}

func (f *fakeParser) Parse(_ context.Context, sentence, grammar, target string) (goal.Semantics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return goal.Semantics{"sentence": sentence, "grammar": grammar, "target": target}, nil
}

type fixture struct {
	bridge   *Bridge
	sender   *fakeSender
	executor *fakeExecutor
	parser   *fakeParser
}

func newFixture() *fixture {
	f := &fixture{
		sender:   newFakeSender(),
		executor: &fakeExecutor{},
		parser:   &fakeParser{},
	}
	f.bridge = New(Config{RobotName: "amigo", WaitTimeout: time.Second}, f.sender, f.executor, f.parser, nil)
	return f
}

func update(chatID, text string) chat.Update {
	return chat.Update{ChatID: chatID, Text: text, Source: "test", ReceivedAt: time.Now()}
}

func (f *fixture) start(t *testing.T, chatID string) {
	t.Helper()
	require.NoError(t, f.bridge.OnStart(context.Background(), update(chatID, "/start")))
	f.sender.waitFor(t, "I'm amigo, please talk to me!")
}

// ask runs DetermineAnswer on its own goroutine, like the executor callback loop does.
func (f *fixture) ask(ctx context.Context, q goal.Question) <-chan goal.Answer {
	out := make(chan goal.Answer, 1)
	go func() {
		out <- f.bridge.DetermineAnswer(ctx, q)
	}()
	return out
}

func receive(t *testing.T, ch <-chan goal.Answer) goal.Answer {
	t.Helper()
	select {
	case answer := <-ch:
		return answer
	case <-time.After(2 * time.Second):
		t.Fatal("DetermineAnswer did not return")
		return goal.Answer{}
	}
}

func TestStartGreetsAndBindsSession(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	assert.Equal(t, []string{"Hi! Your typed wish is my command", "I'm amigo, please talk to me!"}, f.sender.texts())
	assert.Equal(t, 1, f.executor.cancels())

	st := f.bridge.Snapshot()
	assert.Equal(t, "42", st.ChatID)
	assert.False(t, st.AwaitingAnswer)
}

func TestStartWhenEngineUnreachable(t *testing.T) {
	f := newFixture()
	f.executor.waitErr = context.DeadlineExceeded

	err := f.bridge.OnStart(context.Background(), update("42", "/start"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, f.sender.texts(), unreachableText)
	assert.Equal(t, "42", f.bridge.Snapshot().ChatID)
}

func TestHelpRepliesWithUsage(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.bridge.OnHelp(context.Background(), update("7", "/help")))
	assert.Equal(t, []string{`With what? Please type a command in "natural" language`}, f.sender.texts())
	assert.Empty(t, f.executor.submitted())
}

func TestTextWithoutSessionAsksToStart(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "go to the kitchen")))

	assert.Equal(t, []string{"Begin a conversation with /start"}, f.sender.texts())
	assert.Empty(t, f.executor.submitted())
}

func TestTextFromOtherChatAsksToStart(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("99", "go to the kitchen")))

	msg := f.sender.waitFor(t, "Begin a conversation with /start")
	assert.Equal(t, "99", msg.chatID)
	assert.Empty(t, f.executor.submitted())
}

func TestTextIsSanitizedIntoGoal(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "Go to the Kitchen, please!")))

	goals := f.executor.submitted()
	require.Len(t, goals, 1)
	assert.Equal(t, "go to the kitchen please", goals[0].goal.Command)
	assert.NotEmpty(t, goals[0].goal.ID)
}

func TestDetermineAnswerEmptyDescription(t *testing.T) {
	f := newFixture()
	f.start(t, "42")
	before := len(f.sender.texts())

	answer := f.bridge.DetermineAnswer(context.Background(), goal.Question{Grammar: "T -> a very long grammar", Target: "T"})

	var missing *MissingDescriptionError
	require.True(t, errors.As(answer.Err, &missing))
	assert.Equal(t, "cannot answer empty question. grammar='T -> a ver...', target='T'", missing.Error())
	assert.NotNil(t, answer.Semantics)
	assert.Empty(t, answer.Semantics)
	assert.Len(t, f.sender.texts(), before)
	assert.False(t, f.bridge.Snapshot().AwaitingAnswer)
}

func TestDetermineAnswerRoundTrip(t *testing.T) {
	f := newFixture()
	f.start(t, "42")
	before := len(f.sender.texts())

	result := f.ask(context.Background(), goal.Question{Description: "Where is the cup?", Grammar: "G", Target: "T"})
	msg := f.sender.waitFor(t, "Where is the cup?")
	assert.Equal(t, "42", msg.chatID)
	assert.Len(t, f.sender.texts(), before+1)
	assert.True(t, f.bridge.Snapshot().AwaitingAnswer)
	assert.Equal(t, "Where is the cup?", f.bridge.Snapshot().Question)

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "/answer bed")))

	answer := receive(t, result)
	require.NoError(t, answer.Err)
	assert.Equal(t, "bed", answer.Sentence)
	assert.Equal(t, goal.Semantics{"sentence": "bed", "grammar": "G", "target": "T"}, answer.Semantics)
	assert.False(t, f.bridge.Snapshot().AwaitingAnswer)
	assert.Empty(t, f.executor.submitted())
}

func TestDetermineAnswerStripsBotMention(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	result := f.ask(context.Background(), goal.Question{Description: "Where is the cup?", Grammar: "G", Target: "T"})
	f.sender.waitFor(t, "Where is the cup?")
	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "/answer@amigo_bot bed")))

	answer := receive(t, result)
	require.NoError(t, answer.Err)
	assert.Equal(t, "bed", answer.Sentence)
}

func TestDetermineAnswerWithoutSession(t *testing.T) {
	f := newFixture()

	answer := f.bridge.DetermineAnswer(context.Background(), goal.Question{Description: "Which one?"})
	assert.ErrorIs(t, answer.Err, ErrNoSession)
	assert.Empty(t, f.sender.texts())
}

func TestDetermineAnswerRejectsSecondQuestion(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	first := f.ask(context.Background(), goal.Question{Description: "Which kitchen?"})
	f.sender.waitFor(t, "Which kitchen?")

	second := f.bridge.DetermineAnswer(context.Background(), goal.Question{Description: "Which cup?"})
	assert.ErrorIs(t, second.Err, ErrQuestionPending)
	assert.NotContains(t, f.sender.texts(), "Which cup?")

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "the big one")))
	answer := receive(t, first)
	require.NoError(t, answer.Err)
	assert.Equal(t, "the big one", answer.Sentence)
}

func TestStopAbandonsQuestionAndNextTextIsCommand(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	result := f.ask(context.Background(), goal.Question{Description: "Which kitchen?"})
	f.sender.waitFor(t, "Which kitchen?")

	require.NoError(t, f.bridge.OnStop(context.Background(), update("42", "/stop")))
	answer := receive(t, result)
	assert.ErrorIs(t, answer.Err, ErrQuestionAbandoned)
	assert.Equal(t, 2, f.executor.cancels())
	assert.Equal(t, "42", f.bridge.Snapshot().ChatID)

	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "go to the kitchen")))
	goals := f.executor.submitted()
	require.Len(t, goals, 1)
	assert.Equal(t, "go to the kitchen", goals[0].goal.Command)
}

func TestSecondStartCancelsOutstandingGoal(t *testing.T) {
	f := newFixture()
	f.start(t, "42")
	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "bring me a coke")))
	require.Len(t, f.executor.submitted(), 1)
	cancelsBefore := f.executor.cancels()

	result := f.ask(context.Background(), goal.Question{Description: "Which coke?"})
	f.sender.waitFor(t, "Which coke?")

	require.NoError(t, f.bridge.OnStart(context.Background(), update("43", "/start")))

	assert.Equal(t, cancelsBefore+1, f.executor.cancels())
	assert.ErrorIs(t, receive(t, result).Err, ErrQuestionAbandoned)
	st := f.bridge.Snapshot()
	assert.Equal(t, "43", st.ChatID)
	assert.False(t, st.AwaitingAnswer)
}

func TestDetermineAnswerContextCancelled(t *testing.T) {
	f := newFixture()
	f.start(t, "42")

	ctx, cancel := context.WithCancel(context.Background())
	result := f.ask(ctx, goal.Question{Description: "Which kitchen?"})
	f.sender.waitFor(t, "Which kitchen?")
	cancel()

	assert.ErrorIs(t, receive(t, result).Err, context.Canceled)
	assert.False(t, f.bridge.Snapshot().AwaitingAnswer)
}

func TestDetermineAnswerParseFailure(t *testing.T) {
	f := newFixture()
	f.parser.err = errors.New("no parse")
	f.start(t, "42")

	result := f.ask(context.Background(), goal.Question{Description: "Which kitchen?"})
	f.sender.waitFor(t, "Which kitchen?")
	require.NoError(t, f.bridge.OnTextMessage(context.Background(), update("42", "The BIG one!")))

	answer := receive(t, result)
	require.Error(t, answer.Err)
	assert.Equal(t, "the big one", answer.Sentence)
	assert.Empty(t, answer.Semantics)
}

func TestDetermineAnswerSendFailureClearsPending(t *testing.T) {
	f := newFixture()
	f.start(t, "42")
	f.sender.mu.Lock()
	f.sender.err = errors.New("chat down")
	f.sender.mu.Unlock()

	answer := f.bridge.DetermineAnswer(context.Background(), goal.Question{Description: "Which kitchen?"})
	require.Error(t, answer.Err)
	assert.False(t, f.bridge.Snapshot().AwaitingAnswer)
}

func TestKitchenScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.start(t, "42")

	require.NoError(t, f.bridge.OnTextMessage(ctx, update("42", "go to the kitchen")))
	goals := f.executor.submitted()
	require.Len(t, goals, 1)
	submitted := goals[0]

	// The executor callback goroutine asks, then finishes the goal with the answer.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		submitted.feedback(ctx, goal.StatusActive, goal.Feedback{"step": "planning"})
		answer := f.bridge.DetermineAnswer(ctx, goal.Question{Description: "Which kitchen?", Grammar: "G", Target: "T"})
		if answer.Err != nil {
			submitted.done(ctx, goal.StatusAborted, goal.Result{ResultSentence: answer.Err.Error()})
			return
		}
		submitted.done(ctx, goal.StatusSucceeded, goal.Result{ResultSentence: "I went to " + answer.Sentence})
	}()

	f.sender.waitFor(t, "I'm busy...")
	f.sender.waitFor(t, "Which kitchen?")
	require.NoError(t, f.bridge.OnTextMessage(ctx, update("42", "/answer the big one")))

	msg := f.sender.waitFor(t, "I went to the big one")
	assert.Equal(t, "42", msg.chatID)
	<-finished
	assert.Len(t, f.executor.submitted(), 1)
}

func TestGoalDoneSkipsEmptyResult(t *testing.T) {
	f := newFixture()
	f.start(t, "42")
	before := len(f.sender.texts())

	f.bridge.OnGoalDone(context.Background(), goal.StatusPreempted, goal.Result{})
	assert.Len(t, f.sender.texts(), before)
}

func TestGoalCallbacksWithoutSession(t *testing.T) {
	f := newFixture()

	f.bridge.OnGoalDone(context.Background(), goal.StatusSucceeded, goal.Result{ResultSentence: "done"})
	f.bridge.OnGoalFeedback(context.Background(), goal.StatusActive, nil)
	assert.Empty(t, f.sender.texts())
}

func TestTranscriptRecordsBothDirections(t *testing.T) {
	f := newFixture()
	store := chatservice.NewService(50)
	f.bridge.SetTranscript(store)
	ctx := context.Background()

	f.start(t, "42")
	require.NoError(t, f.bridge.OnHelp(ctx, update("42", "/help")))

	messages, err := store.LoadTranscript(ctx, "42")
	require.NoError(t, err)
	require.Len(t, messages, 5)
	assert.Equal(t, chat.SenderUser, messages[0].Sender)
	assert.Equal(t, "/start", messages[0].Content)
	assert.Equal(t, chat.SenderRobot, messages[4].Sender)

	session, err := store.GetSession(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, session.ID, f.bridge.Snapshot().SessionID)
}
