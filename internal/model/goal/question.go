package goal

// Semantics is the structured meaning extracted from an answer sentence.
type Semantics map[string]any

// Question is a clarification request raised by the engine while a goal runs.
type Question struct {
	ID          string `json:"questionId,omitempty"`
	GoalID      string `json:"goalId,omitempty"`
	Description string `json:"description"`
	Grammar     string `json:"grammar"`
	Target      string `json:"target"`
}

// Answer is the reply to a Question. A non-nil Err marks an error result;
// Sentence and Semantics are still populated as far as they are known.
type Answer struct {
	Sentence  string
	Semantics Semantics
	Err       error
}

// ErrorAnswer builds an error result with empty semantics.
func ErrorAnswer(err error) Answer {
	return Answer{Semantics: Semantics{}, Err: err}
}
