package domain

import "time"

type CallStatus string

const (
	CallActive    CallStatus = "active"
	CallCompleted CallStatus = "completed"
	CallAbandoned CallStatus = "abandoned"
)

// StepResult is the outcome of the last applied respond step, kept so a
// resubmitted step can be answered without writing again.
type StepResult struct {
	Step       int    `json:"step"`
	AnswerText string `json:"answer_text"`
}

// CallSession is the runtime state of one IVR phone interaction.
type CallSession struct {
	CallID               string      `json:"call_id"`
	PhoneNumber          string      `json:"phone_number"`
	SurveyID             string      `json:"survey_id"`
	AnonymousToken       string      `json:"-"`
	ResponseID           string      `json:"-"`
	Status               CallStatus  `json:"status"`
	CurrentQuestionIndex int         `json:"current_question_index"`
	StartTime            time.Time   `json:"start_time"`
	EndTime              *time.Time  `json:"end_time,omitempty"`
	LastActivity         time.Time   `json:"last_activity"`
	LastStep             *StepResult `json:"-"`
	// Version is bumped on every stored update; external stores use it for
	// optimistic concurrency.
	Version int64 `json:"-"`
}

// Terminal reports whether the call is no longer active.
func (c CallSession) Terminal() bool {
	return c.Status != CallActive
}
