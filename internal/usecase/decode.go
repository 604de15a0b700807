package usecase

import (
	"strconv"
	"strings"

	"signify-ivr/internal/domain"
)

// decoder turns a raw keypress or utterance into the answer text that is
// stored. Decoding never fails: unexpected input is recorded, not rejected.
type decoder interface {
	Decode(raw string) string
}

// yesNoDecoder maps "1" to Yes and "2" to No. Anything else passes through.
type yesNoDecoder struct{}

func (yesNoDecoder) Decode(raw string) string {
	switch raw {
	case "1":
		return "Yes"
	case "2":
		return "No"
	default:
		return raw
	}
}

// choiceDecoder reads the leading integer of raw as a 1-based index into
// options, so "2#" and "1.5" pick options 2 and 1. Input without a leading
// integer or an index outside the list decodes to "".
type choiceDecoder struct {
	options []domain.Option
}

func (d choiceDecoder) Decode(raw string) string {
	n, ok := leadingInt(strings.TrimSpace(raw))
	if !ok || n < 1 || n > len(d.options) {
		return ""
	}
	return d.options[n-1].OptionText
}

// leadingInt parses an optional sign followed by the longest run of ASCII
// digits at the start of s.
func leadingInt(s string) (int, bool) {
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

type verbatimDecoder struct{}

func (verbatimDecoder) Decode(raw string) string { return raw }

func decoderFor(q domain.Question) decoder {
	switch q.QuestionType {
	case domain.QuestionYesNo:
		return yesNoDecoder{}
	case domain.QuestionMultipleChoice:
		return choiceDecoder{options: q.Options}
	default:
		return verbatimDecoder{}
	}
}
