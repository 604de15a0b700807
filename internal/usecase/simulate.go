package usecase

import "context"

// simulationPhone is the number used for dry-run calls.
const simulationPhone = "+250788123456"

// simulationInputs are replayed in order until the survey completes.
var simulationInputs = []string{"1", "2", "1"}

type SimulatedStep struct {
	Input      string
	AnswerText string
}

type SimulationOutput struct {
	CallID          string
	Steps           []SimulatedStep
	SurveyCompleted bool
}

// SimulateCall runs a full call against surveyID from a fixed test number,
// answering with canned keypresses. Answers are recorded like any other call.
func (s *IVRService) SimulateCall(ctx context.Context, surveyID string) (SimulationOutput, error) {
	started, err := s.StartCall(ctx, simulationPhone, surveyID)
	if err != nil {
		return SimulationOutput{}, err
	}

	out := SimulationOutput{CallID: started.Session.CallID}
	for i, input := range simulationInputs {
		step := i
		res, err := s.Respond(ctx, RespondInput{CallID: out.CallID, Value: input, Step: &step})
		if err != nil {
			return out, err
		}
		out.Steps = append(out.Steps, SimulatedStep{Input: input, AnswerText: res.AnswerText})
		if res.SurveyCompleted {
			out.SurveyCompleted = true
			break
		}
	}
	s.logger.InfoContext(ctx, "ivr simulation finished",
		"call_id", out.CallID,
		"steps", len(out.Steps),
		"completed", out.SurveyCompleted,
	)
	return out, nil
}

// SimulationInputs returns the keypresses SimulateCall replays.
func SimulationInputs() []string {
	return append([]string(nil), simulationInputs...)
}
