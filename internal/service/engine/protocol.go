package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

// FrameType 帧类型
type FrameType string

const (
	// FrameReady 服务端就绪
	FrameReady FrameType = "ready"
	// FrameGoal 客户端提交目标
	FrameGoal FrameType = "goal"
	// FrameCancelAll 客户端取消全部目标
	FrameCancelAll FrameType = "cancel_all"
	// FrameFeedback 目标进度
	FrameFeedback FrameType = "feedback"
	// FrameResult 目标结束
	FrameResult FrameType = "result"
	// FrameQuestion 服务端请求澄清
	FrameQuestion FrameType = "question"
	// FrameAnswer 客户端回答澄清
	FrameAnswer FrameType = "answer"
)

// Frame is the JSON envelope exchanged with the action server.
type Frame struct {
	Type       FrameType       `json:"type"`
	GoalID     string          `json:"goalId,omitempty"`
	QuestionID string          `json:"questionId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

type goalPayload struct {
	Command string `json:"command"`
}

type feedbackPayload struct {
	Status   goal.Status   `json:"status"`
	Feedback goal.Feedback `json:"feedback"`
}

type resultPayload struct {
	Status goal.Status `json:"status"`
	Result goal.Result `json:"result"`
}

type questionPayload struct {
	Description string `json:"description"`
	Grammar     string `json:"grammar"`
	Target      string `json:"target"`
}

type answerPayload struct {
	Sentence  string         `json:"sentence"`
	Semantics goal.Semantics `json:"semantics"`
	Error     string         `json:"error,omitempty"`
}

// NewFrame 构造帧，data 为 nil 时不携带数据
func NewFrame(t FrameType, goalID, questionID string, data any) (Frame, error) {
	frame := Frame{
		Type:       t,
		GoalID:     goalID,
		QuestionID: questionID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if data == nil {
		return frame, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	frame.Data = raw
	return frame, nil
}

// Decode 解析帧数据
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

func answerFrom(a goal.Answer) answerPayload {
	payload := answerPayload{Sentence: a.Sentence, Semantics: a.Semantics}
	if payload.Semantics == nil {
		payload.Semantics = goal.Semantics{}
	}
	if a.Err != nil {
		payload.Error = a.Err.Error()
	}
	return payload
}
