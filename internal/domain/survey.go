package domain

import "sort"

// QuestionType is the keypad contract for a question. Changing how a type maps
// keypresses to answers breaks deployed telephony scripts.
type QuestionType string

const (
	QuestionYesNo          QuestionType = "yesno"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionNumeric        QuestionType = "numeric"
	QuestionText           QuestionType = "text"
)

// Option is one selectable answer of a multiple_choice question.
type Option struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
}

// Question is read-only within the IVR engine.
type Question struct {
	QuestionID   string       `json:"question_id"`
	SurveyID     string       `json:"survey_id"`
	QuestionText string       `json:"question_text"`
	QuestionType QuestionType `json:"question_type"`
	IsRequired   bool         `json:"is_required"`
	OrderIndex   int          `json:"order_index"`
	Options      []Option     `json:"options"`
}

// Survey is a survey together with its questions.
type Survey struct {
	SurveyID    string     `json:"survey_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Questions   []Question `json:"questions"`
}

// OrderedQuestions returns the questions sorted by OrderIndex without
// modifying the survey. Ties keep their catalog order.
func (s Survey) OrderedQuestions() []Question {
	out := make([]Question, len(s.Questions))
	copy(out, s.Questions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out
}
