package usecase

import (
	"context"
	"sort"

	"signify-ivr/internal/domain"
)

// Statistics summarises IVR responses, optionally for a single survey. The
// per-survey breakdown is only filled when surveyID is empty.
func (s *IVRService) Statistics(ctx context.Context, surveyID string) (domain.Statistics, error) {
	responses, err := s.responses.ListResponsesByTokenPrefix(ctx, tokenPrefix, surveyID)
	if err != nil {
		return domain.Statistics{}, newError(ErrorPersistence, "response_read_error", err)
	}

	surveys := make(map[string]*domain.Survey)
	for _, r := range responses {
		if _, ok := surveys[r.SurveyID]; ok {
			continue
		}
		survey, err := s.catalog.GetSurveyWithOrderedQuestions(ctx, r.SurveyID)
		if err != nil {
			return domain.Statistics{}, newError(ErrorPersistence, "catalog_read_error", err)
		}
		surveys[r.SurveyID] = survey
	}

	return aggregate(responses, surveys, surveyID == "", s.recentLimit), nil
}

// aggregate counts responses and picks the most recent ones, newest first. A
// response is completed once it holds an answer for every question of its
// survey; responses to surveys missing from the catalog count as partial.
func aggregate(responses []domain.AnonymousResponse, surveys map[string]*domain.Survey, withBreakdown bool, recentLimit int) domain.Statistics {
	stats := domain.Statistics{
		TotalResponses:  len(responses),
		RecentResponses: []domain.AnonymousResponse{},
	}

	bySurvey := make(map[string]*domain.SurveyBreakdown)
	for _, r := range responses {
		survey := surveys[r.SurveyID]
		done := survey != nil && len(survey.Questions) > 0 && r.AnswerCount >= len(survey.Questions)
		if done {
			stats.CompletedResponses++
		} else {
			stats.PartialResponses++
		}

		if !withBreakdown {
			continue
		}
		b, ok := bySurvey[r.SurveyID]
		if !ok {
			b = &domain.SurveyBreakdown{SurveyID: r.SurveyID}
			if survey != nil {
				b.Title = survey.Title
			}
			bySurvey[r.SurveyID] = b
		}
		b.Responses++
		if done {
			b.Completed++
		}
	}

	if withBreakdown {
		stats.SurveyBreakdown = make([]domain.SurveyBreakdown, 0, len(bySurvey))
		for _, b := range bySurvey {
			stats.SurveyBreakdown = append(stats.SurveyBreakdown, *b)
		}
		sort.Slice(stats.SurveyBreakdown, func(i, j int) bool {
			return stats.SurveyBreakdown[i].SurveyID < stats.SurveyBreakdown[j].SurveyID
		})
	}

	recent := make([]domain.AnonymousResponse, len(responses))
	copy(recent, responses)
	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].CreatedAt.Equal(recent[j].CreatedAt) {
			return recent[i].CreatedAt.After(recent[j].CreatedAt)
		}
		return recent[i].ResponseID > recent[j].ResponseID
	})
	if len(recent) > recentLimit {
		recent = recent[:recentLimit]
	}
	stats.RecentResponses = append(stats.RecentResponses, recent...)
	return stats
}
