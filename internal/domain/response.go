package domain

import "time"

// Answer is a single recorded answer. Position is the cursor value the answer
// was given at, so one response holds at most one answer per position.
type Answer struct {
	AnswerID   string    `json:"answer_id"`
	QuestionID string    `json:"question_id"`
	AnswerText string    `json:"answer_text"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnonymousResponse groups the answers of one call under an opaque token
// instead of the caller's identity.
type AnonymousResponse struct {
	ResponseID     string    `json:"response_id"`
	AnonymousToken string    `json:"-"`
	SurveyID       string    `json:"survey_id"`
	AnswerCount    int       `json:"answer_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Answers        []Answer  `json:"answers,omitempty"`
}
