package usecase

import (
	"fmt"
	"strings"

	"signify-ivr/internal/domain"
)

const (
	scriptRule          = "====================================="
	defaultGreeting     = "Welcome to the survey.\nPlease listen carefully and respond using your phone keypad."
	defaultClosing      = "Thank you for completing the survey."
	legendNumeric       = "Enter the number using your keypad, then press #"
	legendText          = "Please record your message after the tone"
	legendYesNoAffirm   = "Press 1 for Yes"
	legendYesNoNegative = "Press 2 for No"
)

// renderScript produces the prompt script an IVR operator records, one block
// per question in order. Empty greeting or closing text falls back to a
// generic line.
func renderScript(s domain.Survey, greeting, closing string) string {
	if strings.TrimSpace(greeting) == "" {
		greeting = defaultGreeting
	}
	if strings.TrimSpace(closing) == "" {
		closing = defaultClosing
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IVR Script for Survey: %s\n", s.Title)
	b.WriteString(scriptRule + "\n\n")
	b.WriteString(strings.TrimRight(greeting, "\n") + "\n\n")

	for i, q := range s.OrderedQuestions() {
		fmt.Fprintf(&b, "Question %d: %s\n", i+1, q.QuestionText)
		for _, line := range legend(q) {
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(strings.TrimRight(closing, "\n") + "\n")
	return b.String()
}

func legend(q domain.Question) []string {
	switch q.QuestionType {
	case domain.QuestionYesNo:
		return []string{legendYesNoAffirm, legendYesNoNegative}
	case domain.QuestionMultipleChoice:
		lines := make([]string, len(q.Options))
		for i, o := range q.Options {
			lines[i] = fmt.Sprintf("Press %d for %s", i+1, o.OptionText)
		}
		return lines
	case domain.QuestionNumeric:
		return []string{legendNumeric}
	case domain.QuestionText:
		return []string{legendText}
	default:
		return nil
	}
}
