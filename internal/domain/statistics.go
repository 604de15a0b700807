package domain

// SurveyBreakdown counts IVR responses collected for one survey.
type SurveyBreakdown struct {
	SurveyID  string `json:"survey_id"`
	Title     string `json:"title"`
	Responses int    `json:"responses"`
	Completed int    `json:"completed"`
}

// Statistics aggregates IVR-origin responses.
type Statistics struct {
	TotalResponses     int                 `json:"total_ivr_responses"`
	CompletedResponses int                 `json:"completed_responses"`
	PartialResponses   int                 `json:"partial_responses"`
	SurveyBreakdown    []SurveyBreakdown   `json:"survey_breakdown"`
	RecentResponses    []AnonymousResponse `json:"recent_responses"`
}
