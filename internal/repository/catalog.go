package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"signify-ivr/internal/domain"
)

// GetSurveyWithOrderedQuestions reads a survey partition: the META# header and
// every Q# item. Questions come back ordered by order_index because their sort
// key embeds it. A survey without a header is reported as nil.
func (c *Client) GetSurveyWithOrderedQuestions(ctx context.Context, surveyID string) (*domain.Survey, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(surveyPK(surveyID)),
		},
	})

	var survey *domain.Survey
	var questions []domain.Question
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: GetSurveyWithOrderedQuestions query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, fmt.Errorf("repository: GetSurveyWithOrderedQuestions unmarshal: %w", err)
			}
			switch {
			case sk == skMeta:
				s, err := itemToSurvey(item)
				if err != nil {
					return nil, fmt.Errorf("repository: GetSurveyWithOrderedQuestions unmarshal survey: %w", err)
				}
				s.SurveyID = surveyID
				survey = &s
			case strings.HasPrefix(sk, skPrefixQ):
				q, err := itemToQuestion(item)
				if err != nil {
					return nil, fmt.Errorf("repository: GetSurveyWithOrderedQuestions unmarshal question: %w", err)
				}
				q.SurveyID = surveyID
				questions = append(questions, q)
			}
		}
	}
	if survey == nil {
		return nil, nil
	}
	survey.Questions = questions
	survey.Questions = survey.OrderedQuestions()
	return survey, nil
}

func itemToSurvey(item map[string]types.AttributeValue) (domain.Survey, error) {
	title, err := strAttr(item, "title")
	if err != nil {
		return domain.Survey{}, err
	}
	description, _ := optStrAttr(item, "description")
	status, _ := optStrAttr(item, "status")
	return domain.Survey{Title: title, Description: description, Status: status}, nil
}

func itemToQuestion(item map[string]types.AttributeValue) (domain.Question, error) {
	id, err := strAttr(item, "questionId")
	if err != nil {
		return domain.Question{}, err
	}
	text, err := strAttr(item, "questionText")
	if err != nil {
		return domain.Question{}, err
	}
	qType, err := strAttr(item, "questionType")
	if err != nil {
		return domain.Question{}, err
	}
	order, err := intAttr(item, "orderIndex")
	if err != nil {
		return domain.Question{}, err
	}
	options, err := optionsAttr(item)
	if err != nil {
		return domain.Question{}, err
	}
	return domain.Question{
		QuestionID:   id,
		QuestionText: text,
		QuestionType: domain.QuestionType(qType),
		IsRequired:   boolAttr(item, "isRequired"),
		OrderIndex:   order,
		Options:      options,
	}, nil
}

func optionsAttr(item map[string]types.AttributeValue) ([]domain.Option, error) {
	v, ok := item["options"]
	if !ok {
		return nil, nil
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", "options")
	}
	options := make([]domain.Option, 0, len(list.Value))
	for i, raw := range list.Value {
		m, ok := raw.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: option %d is not a map", i)
		}
		text, err := strAttr(m.Value, "optionText")
		if err != nil {
			return nil, fmt.Errorf("repository: option %d: %w", i, err)
		}
		id, _ := optStrAttr(m.Value, "optionId")
		options = append(options, domain.Option{OptionID: id, OptionText: text})
	}
	return options, nil
}
