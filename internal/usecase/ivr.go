package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signify-ivr/internal/domain"
	"signify-ivr/internal/phone"
	"signify-ivr/internal/session"
)

const (
	tokenPrefix        = "ivr_"
	defaultRecentLimit = 10
	maxEndAttempts     = 3
)

type SurveyCatalog interface {
	GetSurveyWithOrderedQuestions(ctx context.Context, surveyID string) (*domain.Survey, error)
}

type ResponseStore interface {
	FindResponseByToken(ctx context.Context, token string) (*domain.AnonymousResponse, error)
	CreateResponse(ctx context.Context, token, surveyID string, first domain.Answer) (domain.AnonymousResponse, error)
	AppendAnswer(ctx context.Context, responseID string, a domain.Answer) (domain.Answer, error)
	ListResponsesByTokenPrefix(ctx context.Context, prefix, surveyID string) ([]domain.AnonymousResponse, error)
}

// SessionStore is the call session arena. Update must apply fn atomically
// per call id and only store the result when fn returns nil.
type SessionStore interface {
	Insert(ctx context.Context, s domain.CallSession) error
	Get(ctx context.Context, callID string) (domain.CallSession, error)
	Update(ctx context.Context, callID string, fn func(*domain.CallSession) error) (domain.CallSession, error)
}

// ParamGetter reads runtime settings. GetParameter fails on a missing name;
// GetParameters leaves missing names out of its result.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// Observer is told about call lifecycle events. *metrics.Metrics satisfies it.
type Observer interface {
	CallStarted()
	CallEnded(status domain.CallStatus)
	AnswerRecorded(questionType domain.QuestionType)
}

type noopObserver struct{}

func (noopObserver) CallStarted()                       {}
func (noopObserver) CallEnded(domain.CallStatus)        {}
func (noopObserver) AnswerRecorded(domain.QuestionType) {}

// Config holds the tunables of IVRService. Zero values pick defaults.
type Config struct {
	ParamPrefix string
	PhoneRegion string
	Expiry      session.ExpiryPolicy
	RecentLimit int
	Clock       session.Clock
	Observer    Observer
	Logger      *slog.Logger
}

// IVRService drives IVR survey calls: it owns the per-call cursor, decodes
// keypad input per question type and records answers under an anonymous
// token.
type IVRService struct {
	catalog     SurveyCatalog
	responses   ResponseStore
	sessions    SessionStore
	params      ParamGetter
	paramPrefix string
	region      string
	expiry      session.ExpiryPolicy
	recentLimit int
	clock       session.Clock
	observer    Observer
	logger      *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	tokenSalt   []byte
	greeting    string
	closing     string
}

type StartOutput struct {
	Session      domain.CallSession
	NextQuestion *domain.Question
}

type QuestionOutput struct {
	Question        *domain.Question
	SurveyCompleted bool
}

type RespondInput struct {
	CallID string
	Value  string
	// Step is the cursor position the caller is answering. When set, a
	// resubmission of the last applied step replays its result.
	Step *int
}

type RespondOutput struct {
	AnswerText      string
	NextQuestion    *domain.Question
	SurveyCompleted bool
	Replayed        bool
}

func NewIVRService(c SurveyCatalog, r ResponseStore, s SessionStore, p ParamGetter, cfg Config) (*IVRService, error) {
	if c == nil {
		return nil, errors.New("usecase: survey catalog must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: response store must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if prefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = session.SystemClock{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &IVRService{
		catalog:     c,
		responses:   r,
		sessions:    s,
		params:      p,
		paramPrefix: prefix,
		region:      cfg.PhoneRegion,
		expiry:      cfg.Expiry,
		recentLimit: cfg.RecentLimit,
		clock:       cfg.Clock,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}, nil
}

// StartCall registers a new active call for surveyID and returns it with the
// first question. The survey must exist and have at least one question.
func (s *IVRService) StartCall(ctx context.Context, phoneNumber, surveyID string) (StartOutput, error) {
	surveyID = strings.TrimSpace(surveyID)
	if surveyID == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_survey_id", nil)
	}
	number, normalized, err := phone.CallerID(phoneNumber, s.region)
	if err != nil {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_phone_number", err)
	}
	region := "ZZ"
	if normalized {
		region = phone.Region(number)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return StartOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	questions, err := s.loadQuestions(ctx, surveyID)
	if err != nil {
		return StartOutput{}, err
	}

	now := s.clock.Now()
	callID := newCallID()
	sess := domain.CallSession{
		CallID:         callID,
		PhoneNumber:    number,
		SurveyID:       surveyID,
		AnonymousToken: s.anonymousToken(number, now, callID),
		Status:         domain.CallActive,
		StartTime:      now,
		LastActivity:   now,
	}
	if err := s.sessions.Insert(ctx, sess); err != nil {
		return StartOutput{}, newError(ErrorPersistence, "session_write_error", err)
	}

	s.observer.CallStarted()
	s.logger.InfoContext(ctx, "ivr call started",
		"call_id", callID,
		"survey_id", surveyID,
		"region", region,
	)
	first := questions[0]
	return StartOutput{Session: sess, NextQuestion: &first}, nil
}

// CurrentQuestion returns the question at the call's cursor, or a nil
// question with SurveyCompleted once every question has been answered.
func (s *IVRService) CurrentQuestion(ctx context.Context, callID string) (QuestionOutput, error) {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		return QuestionOutput{}, err
	}
	questions, err := s.loadQuestions(ctx, sess.SurveyID)
	if err != nil {
		return QuestionOutput{}, err
	}
	q := questionAt(questions, sess.CurrentQuestionIndex)
	return QuestionOutput{Question: q, SurveyCompleted: q == nil}, nil
}

// Respond decodes in.Value against the current question, persists the answer
// and only then advances the cursor. A failed write leaves the cursor where
// it was so the caller can retry the same step.
func (s *IVRService) Respond(ctx context.Context, in RespondInput) (RespondOutput, error) {
	sess, err := s.loadSession(ctx, in.CallID)
	if err != nil {
		return RespondOutput{}, err
	}
	questions, err := s.loadQuestions(ctx, sess.SurveyID)
	if err != nil {
		return RespondOutput{}, err
	}

	cursor := sess.CurrentQuestionIndex
	if in.Step != nil && *in.Step != cursor {
		if sess.LastStep != nil && sess.LastStep.Step == *in.Step {
			next := questionAt(questions, cursor)
			return RespondOutput{
				AnswerText:      sess.LastStep.AnswerText,
				NextQuestion:    next,
				SurveyCompleted: next == nil,
				Replayed:        true,
			}, nil
		}
		return RespondOutput{}, newError(ErrorInvalidState, "step_mismatch",
			fmt.Errorf("step %d does not match cursor %d", *in.Step, cursor))
	}

	q := questionAt(questions, cursor)
	if q == nil {
		return RespondOutput{}, newError(ErrorInvalidState, "no_current_question", nil)
	}
	answerText := decoderFor(*q).Decode(in.Value)

	responseID, err := s.recordAnswer(ctx, sess, domain.Answer{
		QuestionID: q.QuestionID,
		AnswerText: answerText,
		Position:   cursor,
	})
	if err != nil {
		return RespondOutput{}, newError(ErrorPersistence, "response_write_error", err)
	}

	completed := cursor+1 >= len(questions)
	var wasActive bool
	_, err = s.sessions.Update(ctx, sess.CallID, func(cs *domain.CallSession) error {
		if cs.CurrentQuestionIndex != cursor {
			return domain.ErrSessionConflict
		}
		wasActive = cs.Status == domain.CallActive
		now := s.clock.Now()
		cs.ResponseID = responseID
		cs.CurrentQuestionIndex = cursor + 1
		cs.LastActivity = now
		cs.LastStep = &domain.StepResult{Step: cursor, AnswerText: answerText}
		if completed {
			cs.Status = domain.CallCompleted
			cs.EndTime = &now
		}
		return nil
	})
	if err != nil {
		return RespondOutput{}, sessionWriteError(err)
	}

	s.observer.AnswerRecorded(q.QuestionType)
	s.logger.InfoContext(ctx, "ivr answer recorded",
		"call_id", sess.CallID,
		"survey_id", sess.SurveyID,
		"question_id", q.QuestionID,
		"position", cursor,
	)
	// A call already counted as abandoned is not counted again.
	if completed && wasActive {
		s.observer.CallEnded(domain.CallCompleted)
	}
	if completed {
		s.logger.InfoContext(ctx, "ivr call completed", "call_id", sess.CallID, "survey_id", sess.SurveyID)
	}

	next := questionAt(questions, cursor+1)
	return RespondOutput{
		AnswerText:      answerText,
		NextQuestion:    next,
		SurveyCompleted: next == nil,
	}, nil
}

// End marks the call abandoned. Unknown call ids are ignored.
func (s *IVRService) End(ctx context.Context, callID string) error {
	var wasActive bool
	var err error
	for attempt := 0; attempt < maxEndAttempts; attempt++ {
		_, err = s.sessions.Update(ctx, callID, func(cs *domain.CallSession) error {
			now := s.clock.Now()
			wasActive = cs.Status == domain.CallActive
			session.Abandon(cs, now)
			cs.LastActivity = now
			return nil
		})
		if !errors.Is(err, domain.ErrSessionConflict) {
			break
		}
	}
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil
	case err != nil:
		return sessionWriteError(err)
	}

	if wasActive {
		s.observer.CallEnded(domain.CallAbandoned)
	}
	s.logger.InfoContext(ctx, "ivr call ended", "call_id", callID)
	return nil
}

// CallStatus returns the call's session, or nil when the id is unknown.
func (s *IVRService) CallStatus(ctx context.Context, callID string) (*domain.CallSession, error) {
	sess, err := s.loadSession(ctx, callID)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Code == ErrorNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// GenerateScript renders the keypad script for a survey.
func (s *IVRService) GenerateScript(ctx context.Context, surveyID string) (string, error) {
	survey, err := s.loadSurvey(ctx, surveyID)
	if err != nil {
		return "", err
	}
	if err := s.ensureConfig(ctx); err != nil {
		return "", newError(ErrorInternal, "ssm_load_error", err)
	}
	s.cacheMu.RLock()
	greeting, closing := s.greeting, s.closing
	s.cacheMu.RUnlock()
	return renderScript(*survey, greeting, closing), nil
}

// loadSession fetches a session and abandons it first if it has been idle
// past the expiry policy.
func (s *IVRService) loadSession(ctx context.Context, callID string) (domain.CallSession, error) {
	sess, err := s.sessions.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.CallSession{}, newError(ErrorNotFound, "call_not_found", err)
		}
		return domain.CallSession{}, newError(ErrorPersistence, "session_read_error", err)
	}
	if !s.expiry.Idle(sess, s.clock.Now()) {
		return sess, nil
	}

	expired, err := s.sessions.Update(ctx, callID, func(cs *domain.CallSession) error {
		now := s.clock.Now()
		if !s.expiry.Idle(*cs, now) {
			return nil
		}
		session.Abandon(cs, now)
		return nil
	})
	if err != nil {
		// Lost a race with another writer; serve what was read.
		s.logger.WarnContext(ctx, "ivr idle expiry not applied", "call_id", callID, "err", err)
		return sess, nil
	}
	if expired.Status == domain.CallAbandoned && sess.Status == domain.CallActive {
		s.observer.CallEnded(domain.CallAbandoned)
		s.logger.InfoContext(ctx, "ivr call expired", "call_id", callID, "survey_id", sess.SurveyID)
	}
	return expired, nil
}

func (s *IVRService) loadSurvey(ctx context.Context, surveyID string) (*domain.Survey, error) {
	survey, err := s.catalog.GetSurveyWithOrderedQuestions(ctx, surveyID)
	if err != nil {
		return nil, newError(ErrorPersistence, "catalog_read_error", err)
	}
	if survey == nil {
		return nil, newError(ErrorNotFound, "survey_not_found", nil)
	}
	return survey, nil
}

func (s *IVRService) loadQuestions(ctx context.Context, surveyID string) ([]domain.Question, error) {
	survey, err := s.loadSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	questions := survey.OrderedQuestions()
	if len(questions) == 0 {
		return nil, newError(ErrorNotFound, "survey_has_no_questions", nil)
	}
	return questions, nil
}

// recordAnswer stores a under the session's response, creating the response
// on the first answer. It returns the response id. An answer already stored
// for the same position counts as recorded.
func (s *IVRService) recordAnswer(ctx context.Context, sess domain.CallSession, a domain.Answer) (string, error) {
	responseID := sess.ResponseID
	if responseID == "" {
		existing, err := s.responses.FindResponseByToken(ctx, sess.AnonymousToken)
		if err != nil {
			return "", err
		}
		if existing != nil {
			responseID = existing.ResponseID
		}
	}

	if responseID == "" {
		created, err := s.responses.CreateResponse(ctx, sess.AnonymousToken, sess.SurveyID, a)
		if err == nil {
			return created.ResponseID, nil
		}
		if !errors.Is(err, domain.ErrResponseExists) {
			return "", err
		}
		existing, findErr := s.responses.FindResponseByToken(ctx, sess.AnonymousToken)
		if findErr != nil {
			return "", findErr
		}
		if existing == nil {
			return "", err
		}
		responseID = existing.ResponseID
	}

	if _, err := s.responses.AppendAnswer(ctx, responseID, a); err != nil {
		if !errors.Is(err, domain.ErrAnswerExists) {
			return "", err
		}
		s.logger.WarnContext(ctx, "ivr answer already recorded",
			"call_id", sess.CallID,
			"position", a.Position,
		)
	}
	return responseID, nil
}

// anonymousToken correlates a call's answers without exposing the caller.
func (s *IVRService) anonymousToken(number string, start time.Time, callID string) string {
	s.cacheMu.RLock()
	salt := s.tokenSalt
	s.cacheMu.RUnlock()
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(number + "|" + start.UTC().Format(time.RFC3339Nano) + "|" + callID))
	return tokenPrefix + hex.EncodeToString(mac.Sum(nil))
}

func (s *IVRService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	salt, err := s.params.GetParameter(ctx, s.paramPrefix+"/ivr/token_salt")
	if err != nil {
		return fmt.Errorf("usecase: load token salt: %w", err)
	}
	if salt == "" {
		return errors.New("usecase: token salt is empty")
	}

	// Script text is optional; renderScript falls back to generic lines.
	greetingName := s.paramPrefix + "/ivr/script_greeting"
	closingName := s.paramPrefix + "/ivr/script_closing"
	texts, err := s.params.GetParameters(ctx, greetingName, closingName)
	if err != nil {
		return fmt.Errorf("usecase: load script text: %w", err)
	}

	s.tokenSalt = []byte(salt)
	s.greeting = texts[greetingName]
	s.closing = texts[closingName]
	s.cacheLoaded = true
	return nil
}

func questionAt(questions []domain.Question, i int) *domain.Question {
	if i < 0 || i >= len(questions) {
		return nil
	}
	q := questions[i]
	return &q
}

func sessionWriteError(err error) error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return newError(ErrorNotFound, "call_not_found", err)
	case errors.Is(err, domain.ErrSessionConflict):
		return newError(ErrorInvalidState, "concurrent_update", err)
	default:
		return newError(ErrorPersistence, "session_write_error", err)
	}
}

var newCallID = func() string {
	return "call_" + uuid.Must(uuid.NewV7()).String()
}
