package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

// Scenario makes the simulator ask a question for commands containing Trigger.
// The result sentence is Result formatted with the answer's Slot semantics,
// or the answer sentence when the slot is missing.
type Scenario struct {
	Trigger  string
	Question string
	Grammar  string
	Target   string
	Slot     string
	Result   string
}

// DefaultScenarios returns the scenarios served by the enginesim tool.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Trigger:  "kitchen",
			Question: "Which kitchen?",
			Grammar: `T[{"room": R}] -> ROOM[R] | the ROOM[R] | ROOM[R] kitchen | the ROOM[R] kitchen | ROOM[R] one | the ROOM[R] one
ROOM -> big | small | main`,
			Target: "T",
			Slot:   "room",
			Result: "I went to the %s kitchen",
		},
		{
			Trigger:  "cup",
			Question: "Where is the cup?",
			Grammar: `T[{"room": R}] -> ROOM[R] | the ROOM[R] | in the ROOM[R]
ROOM["bedroom"] -> bed | bedroom
ROOM["kitchen"] -> kitchen
ROOM["living room"] -> living room | couch`,
			Target: "T",
			Slot:   "room",
			Result: "I brought you the cup from the %s",
		},
	}
}

// Simulator is an in-process stand-in for the conversation_engine action server.
type Simulator struct {
	upgrader  websocket.Upgrader
	scenarios []Scenario
	logger    *zap.Logger
}

// NewSimulator creates a simulator answering with scenarios.
func NewSimulator(scenarios []Scenario, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		scenarios: scenarios,
		logger:    logger.Named("enginesim"),
	}
}

type simGoal struct {
	scenario   Scenario
	questionID string
}

type simConn struct {
	sim     *Simulator
	conn    *websocket.Conn
	logger  *zap.Logger
	running map[string]simGoal
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sc := &simConn{
		sim:     s,
		conn:    conn,
		logger:  s.logger.With(zap.String("remote", r.RemoteAddr)),
		running: make(map[string]simGoal),
	}
	sc.logger.Info("client connected")

	if err := sc.send(FrameReady, "", "", nil); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			sc.logger.Info("client disconnected", zap.Error(err))
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			sc.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if err := sc.handle(frame); err != nil {
			sc.logger.Warn("write failed", zap.Error(err))
			return
		}
	}
}

func (sc *simConn) handle(frame Frame) error {
	switch frame.Type {
	case FrameGoal:
		var p goalPayload
		if err := frame.Decode(&p); err != nil {
			return sc.result(frame.GoalID, goal.StatusRejected, "")
		}
		return sc.startGoal(frame.GoalID, p.Command)
	case FrameAnswer:
		var p answerPayload
		if err := frame.Decode(&p); err != nil {
			sc.logger.Warn("bad answer", zap.Error(err))
			return nil
		}
		return sc.finishGoal(frame.GoalID, frame.QuestionID, p)
	case FrameCancelAll:
		for id := range sc.running {
			delete(sc.running, id)
			if err := sc.result(id, goal.StatusPreempted, ""); err != nil {
				return err
			}
		}
		return nil
	default:
		sc.logger.Warn("unexpected frame", zap.String("type", string(frame.Type)))
		return nil
	}
}

func (sc *simConn) startGoal(goalID, command string) error {
	sc.logger.Info("goal received", zap.String("goal_id", goalID), zap.String("command", command))

	if err := sc.send(FrameFeedback, goalID, "", feedbackPayload{
		Status:   goal.StatusActive,
		Feedback: goal.Feedback{"command": command},
	}); err != nil {
		return err
	}

	if strings.TrimSpace(command) == "" {
		return sc.result(goalID, goal.StatusAborted, "I did not catch that")
	}

	for _, scenario := range sc.sim.scenarios {
		if !strings.Contains(command, scenario.Trigger) {
			continue
		}
		questionID := uuid.NewString()
		sc.running[goalID] = simGoal{scenario: scenario, questionID: questionID}
		return sc.send(FrameQuestion, goalID, questionID, questionPayload{
			Description: scenario.Question,
			Grammar:     scenario.Grammar,
			Target:      scenario.Target,
		})
	}

	return sc.result(goalID, goal.StatusSucceeded, fmt.Sprintf("I did: %s", command))
}

func (sc *simConn) finishGoal(goalID, questionID string, p answerPayload) error {
	g, ok := sc.running[goalID]
	if !ok || g.questionID != questionID {
		sc.logger.Debug("answer for unknown question", zap.String("goal_id", goalID), zap.String("question_id", questionID))
		return nil
	}
	delete(sc.running, goalID)

	if p.Error != "" {
		sc.logger.Info("client could not answer", zap.String("error", p.Error))
		return sc.result(goalID, goal.StatusAborted, "I could not understand your answer")
	}

	value := p.Sentence
	if v, ok := p.Semantics[g.scenario.Slot].(string); ok && v != "" {
		value = v
	}
	return sc.result(goalID, goal.StatusSucceeded, fmt.Sprintf(g.scenario.Result, value))
}

func (sc *simConn) result(goalID string, status goal.Status, sentence string) error {
	return sc.send(FrameResult, goalID, "", resultPayload{
		Status: status,
		Result: goal.Result{ResultSentence: sentence},
	})
}

func (sc *simConn) send(t FrameType, goalID, questionID string, data any) error {
	frame, err := NewFrame(t, goalID, questionID, data)
	if err != nil {
		return err
	}
	if err := sc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return sc.conn.WriteJSON(frame)
}
