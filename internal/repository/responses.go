package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"signify-ivr/internal/domain"
)

// FindResponseByToken resolves the token pointer item and returns the response
// header, or nil when no response was created for the token yet. Answers are
// not loaded.
func (c *Client) FindResponseByToken(ctx context.Context, token string) (*domain.AnonymousResponse, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(tokenPK(token), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindResponseByToken get token: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	responseID, err := strAttr(out.Item, "responseId")
	if err != nil {
		return nil, fmt.Errorf("repository: FindResponseByToken decode token: %w", err)
	}

	out, err = c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(responsePK(responseID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindResponseByToken get response: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, fmt.Errorf("repository: FindResponseByToken %s: %w", responseID, domain.ErrResponseNotFound)
	}
	resp, err := itemToResponse(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: FindResponseByToken decode response: %w", err)
	}
	return &resp, nil
}

// CreateResponse writes the token pointer, the response header and the first
// answer in one transaction. A token that is already in use fails with
// domain.ErrResponseExists.
func (c *Client) CreateResponse(ctx context.Context, token, surveyID string, first domain.Answer) (domain.AnonymousResponse, error) {
	now := c.now()
	first = c.fillAnswer(first, now)
	resp := domain.AnonymousResponse{
		ResponseID:     c.newID(),
		AnonymousToken: token,
		SurveyID:       surveyID,
		AnswerCount:    1,
		CreatedAt:      now,
		UpdatedAt:      now,
		Answers:        []domain.Answer{first},
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":         sAttr(tokenPK(token)),
						"SK":         sAttr(skMeta),
						"responseId": sAttr(resp.ResponseID),
					},
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                responseItem(resp),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                answerItem(resp.ResponseID, first),
					ConditionExpression: aws.String(condNotExists),
				},
			},
		},
	})
	if err != nil {
		if cancellationReason(err, 0) == reasonCondCheck {
			return domain.AnonymousResponse{}, fmt.Errorf("repository: CreateResponse: %w", domain.ErrResponseExists)
		}
		return domain.AnonymousResponse{}, fmt.Errorf("repository: CreateResponse: %w", err)
	}
	return resp, nil
}

// AppendAnswer adds an answer to an existing response and bumps its answer
// count. A second answer for the same position fails with
// domain.ErrAnswerExists and leaves the response untouched.
func (c *Client) AppendAnswer(ctx context.Context, responseID string, a domain.Answer) (domain.Answer, error) {
	now := c.now()
	a = c.fillAnswer(a, now)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                answerItem(responseID, a),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 key(responsePK(responseID), skMeta),
					UpdateExpression:    aws.String("SET answerCount = answerCount + :one, updatedAt = :now"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": nAttr(1),
						":now": tAttr(now),
					},
				},
			},
		},
	})
	if err != nil {
		switch {
		case cancellationReason(err, 0) == reasonCondCheck:
			return domain.Answer{}, fmt.Errorf("repository: AppendAnswer position %d: %w", a.Position, domain.ErrAnswerExists)
		case cancellationReason(err, 1) == reasonCondCheck:
			return domain.Answer{}, fmt.Errorf("repository: AppendAnswer %s: %w", responseID, domain.ErrResponseNotFound)
		}
		return domain.Answer{}, fmt.Errorf("repository: AppendAnswer: %w", err)
	}
	return a, nil
}

// ListResponsesByTokenPrefix scans response headers whose anonymous token
// starts with prefix, optionally restricted to one survey. Order is
// unspecified.
func (c *Client) ListResponsesByTokenPrefix(ctx context.Context, prefix, surveyID string) ([]domain.AnonymousResponse, error) {
	filter := "SK = :meta AND begins_with(PK, :resp) AND begins_with(anonymousToken, :prefix)"
	values := map[string]types.AttributeValue{
		":meta":   sAttr(skMeta),
		":resp":   sAttr(pkPrefixResp),
		":prefix": sAttr(prefix),
	}
	if surveyID != "" {
		filter += " AND surveyId = :sid"
		values[":sid"] = sAttr(surveyID)
	}

	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:                 aws.String(c.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeValues: values,
	})

	var out []domain.AnonymousResponse
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListResponsesByTokenPrefix scan: %w", err)
		}
		for _, item := range page.Items {
			resp, err := itemToResponse(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListResponsesByTokenPrefix unmarshal: %w", err)
			}
			out = append(out, resp)
		}
	}
	return out, nil
}

func (c *Client) fillAnswer(a domain.Answer, now time.Time) domain.Answer {
	if a.AnswerID == "" {
		a.AnswerID = c.newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return a
}

func responseItem(r domain.AnonymousResponse) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             sAttr(responsePK(r.ResponseID)),
		"SK":             sAttr(skMeta),
		"responseId":     sAttr(r.ResponseID),
		"anonymousToken": sAttr(r.AnonymousToken),
		"surveyId":       sAttr(r.SurveyID),
		"answerCount":    nAttr(int64(r.AnswerCount)),
		"createdAt":      tAttr(r.CreatedAt),
		"updatedAt":      tAttr(r.UpdatedAt),
	}
}

func answerItem(responseID string, a domain.Answer) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         sAttr(responsePK(responseID)),
		"SK":         sAttr(answerSK(a.Position)),
		"answerId":   sAttr(a.AnswerID),
		"responseId": sAttr(responseID),
		"questionId": sAttr(a.QuestionID),
		"answerText": sAttr(a.AnswerText),
		"position":   nAttr(int64(a.Position)),
		"createdAt":  tAttr(a.CreatedAt),
	}
}

func itemToResponse(item map[string]types.AttributeValue) (domain.AnonymousResponse, error) {
	id, err := strAttr(item, "responseId")
	if err != nil {
		return domain.AnonymousResponse{}, err
	}
	token, err := strAttr(item, "anonymousToken")
	if err != nil {
		return domain.AnonymousResponse{}, err
	}
	surveyID, err := strAttr(item, "surveyId")
	if err != nil {
		return domain.AnonymousResponse{}, err
	}
	count, err := intAttr(item, "answerCount")
	if err != nil {
		return domain.AnonymousResponse{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.AnonymousResponse{}, err
	}
	updated := created
	if _, ok := item["updatedAt"]; ok {
		if updated, err = timeAttr(item, "updatedAt"); err != nil {
			return domain.AnonymousResponse{}, err
		}
	}
	return domain.AnonymousResponse{
		ResponseID:     id,
		AnonymousToken: token,
		SurveyID:       surveyID,
		AnswerCount:    count,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}, nil
}
