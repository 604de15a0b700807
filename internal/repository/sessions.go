package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"signify-ivr/internal/domain"
)

const defaultSessionRetention = 24 * time.Hour

// SessionStore keeps call sessions in DynamoDB so every Lambda instance sees
// the same call state. Writes are optimistic: an update only lands if the
// stored version is the one it read. Items carry a ttl so the table's TTL
// sweeper removes sessions Retention after their last activity.
type SessionStore struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
}

func NewSessionStore(api dynamodbAPI, tableName string, retention time.Duration) (*SessionStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if retention <= 0 {
		retention = defaultSessionRetention
	}
	return &SessionStore{api: api, tableName: tableName, retention: retention}, nil
}

// Insert stores a new session and fails with domain.ErrSessionExists when the
// call id is taken.
func (s *SessionStore) Insert(ctx context.Context, sess domain.CallSession) error {
	if sess.CallID == "" {
		return errors.New("repository: Insert: call id is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.sessionItem(sess),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: Insert %s: %w", sess.CallID, domain.ErrSessionExists)
		}
		return fmt.Errorf("repository: Insert: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, callID string) (domain.CallSession, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(callPK(callID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("repository: Get session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.CallSession{}, domain.ErrSessionNotFound
	}
	sess, err := itemToSession(out.Item)
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("repository: Get session decode: %w", err)
	}
	return sess, nil
}

// Update reads the session, applies fn and writes the result back if nobody
// else wrote in between. A lost race fails with domain.ErrSessionConflict.
func (s *SessionStore) Update(ctx context.Context, callID string, fn func(*domain.CallSession) error) (domain.CallSession, error) {
	current, err := s.Get(ctx, callID)
	if err != nil {
		return domain.CallSession{}, err
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.Version = current.Version + 1

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.sessionItem(next),
		ConditionExpression: aws.String("version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": nAttr(current.Version),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return current, fmt.Errorf("repository: Update session %s: %w", callID, domain.ErrSessionConflict)
		}
		return current, fmt.Errorf("repository: Update session: %w", err)
	}
	return next, nil
}

func (s *SessionStore) sessionItem(sess domain.CallSession) map[string]types.AttributeValue {
	last := sess.LastActivity
	if last.Before(sess.StartTime) {
		last = sess.StartTime
	}
	item := map[string]types.AttributeValue{
		"PK":             sAttr(callPK(sess.CallID)),
		"SK":             sAttr(skMeta),
		"callId":         sAttr(sess.CallID),
		"phoneNumber":    sAttr(sess.PhoneNumber),
		"surveyId":       sAttr(sess.SurveyID),
		"anonymousToken": sAttr(sess.AnonymousToken),
		"status":         sAttr(string(sess.Status)),
		"cursor":         nAttr(int64(sess.CurrentQuestionIndex)),
		"startTime":      tAttr(sess.StartTime),
		"lastActivity":   tAttr(last),
		"version":        nAttr(sess.Version),
		"ttl":            nAttr(last.Add(s.retention).Unix()),
	}
	if sess.ResponseID != "" {
		item["responseId"] = sAttr(sess.ResponseID)
	}
	if sess.EndTime != nil {
		item["endTime"] = tAttr(*sess.EndTime)
	}
	if sess.LastStep != nil {
		item["lastStep"] = nAttr(int64(sess.LastStep.Step))
		item["lastAnswer"] = sAttr(sess.LastStep.AnswerText)
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.CallSession, error) {
	var sess domain.CallSession
	var err error
	if sess.CallID, err = strAttr(item, "callId"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.PhoneNumber, err = strAttr(item, "phoneNumber"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.SurveyID, err = strAttr(item, "surveyId"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.AnonymousToken, err = strAttr(item, "anonymousToken"); err != nil {
		return domain.CallSession{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.CallSession{}, err
	}
	sess.Status = domain.CallStatus(status)
	if sess.CurrentQuestionIndex, err = intAttr(item, "cursor"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.StartTime, err = timeAttr(item, "startTime"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.LastActivity, err = timeAttr(item, "lastActivity"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.Version, err = int64Attr(item, "version"); err != nil {
		return domain.CallSession{}, err
	}
	if sess.ResponseID, err = optStrAttr(item, "responseId"); err != nil {
		return domain.CallSession{}, err
	}
	if _, ok := item["endTime"]; ok {
		end, err := timeAttr(item, "endTime")
		if err != nil {
			return domain.CallSession{}, err
		}
		sess.EndTime = &end
	}
	if _, ok := item["lastStep"]; ok {
		step, err := intAttr(item, "lastStep")
		if err != nil {
			return domain.CallSession{}, err
		}
		answer, err := optStrAttr(item, "lastAnswer")
		if err != nil {
			return domain.CallSession{}, err
		}
		sess.LastStep = &domain.StepResult{Step: step, AnswerText: answer}
	}
	return sess, nil
}
