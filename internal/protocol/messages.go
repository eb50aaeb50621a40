package protocol

import "time"

// PromptRequest asks a speaker node to run one turn. With Read set, Text is
// spoken as is instead of being sent to the model.
type PromptRequest struct {
	RequestID string    `json:"request_id"`
	Target    string    `json:"target,omitempty"`
	Text      string    `json:"text"`
	Read      bool      `json:"read,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SentenceEvent is published after a sentence finished playing.
type SentenceEvent struct {
	RequestID string    `json:"request_id"`
	TurnID    string    `json:"turn_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Engine    string    `json:"engine"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnStatus is published once per request when its turn ends.
type TurnStatus struct {
	RequestID string    `json:"request_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	State     string    `json:"state"`
	Reply     string    `json:"reply,omitempty"`
	Sentences int       `json:"sentences"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPrompt   = "assistant.prompt"
	SubjectSentence = "assistant.sentence"
	SubjectTurnDone = "assistant.turn.done"
)

// StateRejected marks a request that never started a turn.
const StateRejected = "rejected"
