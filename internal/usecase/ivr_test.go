package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"signify-ivr/internal/domain"
	"signify-ivr/internal/integrations/paramstore"
	"signify-ivr/internal/session"
)

type fakeCatalog struct {
	surveys map[string]*domain.Survey
	err     error
}

func (f *fakeCatalog) GetSurveyWithOrderedQuestions(_ context.Context, surveyID string) (*domain.Survey, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.surveys[surveyID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// memResponses is an in-memory response store with the same uniqueness rules
// as the DynamoDB one: one response per token, one answer per position.
type memResponses struct {
	mu        sync.Mutex
	byID      map[string]*domain.AnonymousResponse
	byToken   map[string]string
	nextID    int
	findErr   error
	listErr   error
	failNext  error
	appendLog []domain.Answer
}

func newMemResponses() *memResponses {
	return &memResponses{byID: map[string]*domain.AnonymousResponse{}, byToken: map[string]string{}}
}

func (m *memResponses) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memResponses) FindResponseByToken(_ context.Context, token string) (*domain.AnonymousResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	id, ok := m.byToken[token]
	if !ok {
		return nil, nil
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memResponses) CreateResponse(_ context.Context, token, surveyID string, first domain.Answer) (domain.AnonymousResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return domain.AnonymousResponse{}, err
	}
	if _, ok := m.byToken[token]; ok {
		return domain.AnonymousResponse{}, domain.ErrResponseExists
	}
	m.nextID++
	r := &domain.AnonymousResponse{
		ResponseID:     fmt.Sprintf("resp-%d", m.nextID),
		AnonymousToken: token,
		SurveyID:       surveyID,
		AnswerCount:    1,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, m.nextID, 0, time.UTC),
		Answers:        []domain.Answer{first},
	}
	m.byID[r.ResponseID] = r
	m.byToken[token] = r.ResponseID
	m.appendLog = append(m.appendLog, first)
	return *r, nil
}

func (m *memResponses) AppendAnswer(_ context.Context, responseID string, a domain.Answer) (domain.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return domain.Answer{}, err
	}
	r, ok := m.byID[responseID]
	if !ok {
		return domain.Answer{}, domain.ErrResponseNotFound
	}
	for _, existing := range r.Answers {
		if existing.Position == a.Position {
			return domain.Answer{}, domain.ErrAnswerExists
		}
	}
	r.Answers = append(r.Answers, a)
	r.AnswerCount++
	m.appendLog = append(m.appendLog, a)
	return a, nil
}

func (m *memResponses) ListResponsesByTokenPrefix(_ context.Context, prefix, surveyID string) ([]domain.AnonymousResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.AnonymousResponse
	for _, r := range m.byID {
		if !strings.HasPrefix(r.AnonymousToken, prefix) {
			continue
		}
		if surveyID != "" && r.SurveyID != surveyID {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *memResponses) only(t *testing.T) domain.AnonymousResponse {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.byID, 1)
	for _, r := range m.byID {
		return *r
	}
	return domain.AnonymousResponse{}
}

// fakeParams mirrors paramstore.Client: a single lookup fails on a missing
// name, a batch leaves it out. calls counts single lookups.
type fakeParams struct {
	vals     map[string]string
	err      error
	failOnce bool
	calls    int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.failOnce {
		f.failOnce = false
		return "", errors.New("temporary ssm failure")
	}
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("parameter not found: %s", name)
	}
	return v, nil
}

func (f *fakeParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := f.vals[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func defaultParams() *fakeParams {
	return &fakeParams{vals: map[string]string{
		"/prefix/ivr/token_salt":      "pepper",
		"/prefix/ivr/script_greeting": "Welcome to the Ministry of Health Survey.\nPlease listen carefully and respond using your phone keypad.",
		"/prefix/ivr/script_closing":  "Thank you for completing the survey.\nYour responses help improve community health services.",
	}}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	ended    map[domain.CallStatus]int
	recorded map[domain.QuestionType]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{ended: map[domain.CallStatus]int{}, recorded: map[domain.QuestionType]int{}}
}

func (o *recordingObserver) CallStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) CallEnded(status domain.CallStatus) {
	o.mu.Lock()
	o.ended[status]++
	o.mu.Unlock()
}

func (o *recordingObserver) AnswerRecorded(qt domain.QuestionType) {
	o.mu.Lock()
	o.recorded[qt]++
	o.mu.Unlock()
}

// conflictStore wraps a table and fails the next n updates with a version
// conflict.
type conflictStore struct {
	*session.Table
	conflicts int
}

func (c *conflictStore) Update(ctx context.Context, callID string, fn func(*domain.CallSession) error) (domain.CallSession, error) {
	if c.conflicts > 0 {
		c.conflicts--
		current, err := c.Table.Get(ctx, callID)
		if err != nil {
			return domain.CallSession{}, err
		}
		return current, domain.ErrSessionConflict
	}
	return c.Table.Update(ctx, callID, fn)
}

const testPhone = "+250788123456"

func waterAccessSurvey() *domain.Survey {
	return &domain.Survey{
		SurveyID: "water",
		Title:    "Water Access",
		Questions: []domain.Question{
			{
				QuestionID:   "q-distance",
				QuestionText: "How far is the source?",
				QuestionType: domain.QuestionMultipleChoice,
				OrderIndex:   2,
				Options: []domain.Option{
					{OptionID: "o1", OptionText: "<1km"},
					{OptionID: "o2", OptionText: "1-5km"},
					{OptionID: "o3", OptionText: ">5km"},
				},
			},
			{
				QuestionID:   "q-clean",
				QuestionText: "Do you have clean water?",
				QuestionType: domain.QuestionYesNo,
				OrderIndex:   1,
			},
		},
	}
}

type testEnv struct {
	svc       *IVRService
	catalog   *fakeCatalog
	responses *memResponses
	table     *session.Table
	params    *fakeParams
	clock     *fakeClock
	observer  *recordingObserver
}

func newTestEnv(t *testing.T, surveys ...*domain.Survey) *testEnv {
	t.Helper()
	env := &testEnv{
		catalog:   &fakeCatalog{surveys: map[string]*domain.Survey{}},
		responses: newMemResponses(),
		table:     session.NewTable(),
		params:    defaultParams(),
		clock:     &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		observer:  newRecordingObserver(),
	}
	for _, s := range surveys {
		env.catalog.surveys[s.SurveyID] = s
	}
	env.svc = env.newService(t, env.table)
	return env
}

func (e *testEnv) newService(t *testing.T, store SessionStore) *IVRService {
	t.Helper()
	svc, err := NewIVRService(e.catalog, e.responses, store, e.params, Config{
		ParamPrefix: "/prefix/",
		PhoneRegion: "RW",
		Expiry:      session.ExpiryPolicy{IdleTimeout: 10 * time.Minute, Retention: time.Hour},
		Clock:       e.clock,
		Observer:    e.observer,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return svc
}

func expectIVRError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func intPtr(i int) *int { return &i }

func TestNewIVRService_ValidatesDependencies(t *testing.T) {
	cat, resp, store, params := &fakeCatalog{}, newMemResponses(), session.NewTable(), defaultParams()
	cfg := Config{ParamPrefix: "/prefix"}

	_, err := NewIVRService(nil, resp, store, params, cfg)
	require.Error(t, err)
	_, err = NewIVRService(cat, nil, store, params, cfg)
	require.Error(t, err)
	_, err = NewIVRService(cat, resp, nil, params, cfg)
	require.Error(t, err)
	_, err = NewIVRService(cat, resp, store, nil, cfg)
	require.Error(t, err)
	_, err = NewIVRService(cat, resp, store, params, Config{ParamPrefix: " / "})
	require.Error(t, err)

	svc, err := NewIVRService(cat, resp, store, params, cfg)
	require.NoError(t, err)
	require.Equal(t, defaultRecentLimit, svc.recentLimit)
}

func TestWaterAccessScenario(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()

	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID
	require.True(t, strings.HasPrefix(callID, "call_"))
	require.Equal(t, domain.CallActive, started.Session.Status)
	require.Equal(t, 0, started.Session.CurrentQuestionIndex)
	require.Equal(t, "Do you have clean water?", started.NextQuestion.QuestionText)
	require.Zero(t, len(env.responses.byID), "no response is written at start")

	first, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)
	require.Equal(t, "Yes", first.AnswerText)
	require.False(t, first.SurveyCompleted)
	require.Equal(t, "How far is the source?", first.NextQuestion.QuestionText)

	second, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "2"})
	require.NoError(t, err)
	require.Equal(t, "1-5km", second.AnswerText)
	require.True(t, second.SurveyCompleted)
	require.Nil(t, second.NextQuestion)

	status, err := env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallCompleted, status.Status)
	require.Equal(t, 2, status.CurrentQuestionIndex)
	require.NotNil(t, status.EndTime)

	current, err := env.svc.CurrentQuestion(ctx, callID)
	require.NoError(t, err)
	require.Nil(t, current.Question)
	require.True(t, current.SurveyCompleted)

	resp := env.responses.only(t)
	require.Equal(t, "water", resp.SurveyID)
	require.True(t, strings.HasPrefix(resp.AnonymousToken, "ivr_"))
	require.Equal(t, 2, resp.AnswerCount)
	require.Equal(t, []string{"Yes", "1-5km"}, []string{resp.Answers[0].AnswerText, resp.Answers[1].AnswerText})
	require.Equal(t, []string{"q-clean", "q-distance"}, []string{resp.Answers[0].QuestionID, resp.Answers[1].QuestionID})

	require.Equal(t, 1, env.observer.started)
	require.Equal(t, 1, env.observer.ended[domain.CallCompleted])
	require.Equal(t, 1, env.observer.recorded[domain.QuestionYesNo])
	require.Equal(t, 1, env.observer.recorded[domain.QuestionMultipleChoice])
}

func TestRespond_CompletesOnNthAnswer(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d questions", n), func(t *testing.T) {
			survey := &domain.Survey{SurveyID: "s", Title: "S"}
			types := []domain.QuestionType{domain.QuestionYesNo, domain.QuestionNumeric, domain.QuestionText, domain.QuestionMultipleChoice}
			for i := 0; i < n; i++ {
				q := domain.Question{
					QuestionID:   fmt.Sprintf("q%d", i),
					QuestionText: fmt.Sprintf("Question %d", i),
					QuestionType: types[i%len(types)],
					OrderIndex:   i,
				}
				if q.QuestionType == domain.QuestionMultipleChoice {
					q.Options = []domain.Option{{OptionText: "A"}, {OptionText: "B"}}
				}
				survey.Questions = append(survey.Questions, q)
			}
			env := newTestEnv(t, survey)
			ctx := context.Background()

			started, err := env.svc.StartCall(ctx, testPhone, "s")
			require.NoError(t, err)
			for i := 1; i <= n; i++ {
				out, err := env.svc.Respond(ctx, RespondInput{CallID: started.Session.CallID, Value: "1"})
				require.NoError(t, err)
				require.Equal(t, i == n, out.SurveyCompleted, "step %d", i)

				status, err := env.svc.CallStatus(ctx, started.Session.CallID)
				require.NoError(t, err)
				require.Equal(t, i, status.CurrentQuestionIndex)
				if i < n {
					require.Equal(t, domain.CallActive, status.Status)
				} else {
					require.Equal(t, domain.CallCompleted, status.Status)
				}
			}
			require.Equal(t, n, env.responses.only(t).AnswerCount)
		})
	}
}

func TestStartCall_FirstQuestionHasLowestOrderIndex(t *testing.T) {
	survey := &domain.Survey{
		SurveyID: "s",
		Questions: []domain.Question{
			{QuestionID: "late", QuestionType: domain.QuestionText, OrderIndex: 9},
			{QuestionID: "early", QuestionType: domain.QuestionText, OrderIndex: 2},
			{QuestionID: "mid", QuestionType: domain.QuestionText, OrderIndex: 5},
		},
	}
	env := newTestEnv(t, survey)

	started, err := env.svc.StartCall(context.Background(), testPhone, "s")
	require.NoError(t, err)
	require.Equal(t, "early", started.NextQuestion.QuestionID)

	current, err := env.svc.CurrentQuestion(context.Background(), started.Session.CallID)
	require.NoError(t, err)
	require.Equal(t, "early", current.Question.QuestionID)
	require.False(t, current.SurveyCompleted)
}

func TestStartCall_DistinctSessionsForSameCaller(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()

	a, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	b, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)

	require.NotEqual(t, a.Session.CallID, b.Session.CallID)
	require.NotEqual(t, a.Session.AnonymousToken, b.Session.AnonymousToken)
	require.Equal(t, 2, env.table.Len())

	_, err = env.svc.Respond(ctx, RespondInput{CallID: a.Session.CallID, Value: "1"})
	require.NoError(t, err)
	other, err := env.svc.CallStatus(ctx, b.Session.CallID)
	require.NoError(t, err)
	require.Equal(t, 0, other.CurrentQuestionIndex)
}

func TestStartCall_NormalisesNumberAndHidesItFromToken(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())

	started, err := env.svc.StartCall(context.Background(), "0788 123 456", "water")
	require.NoError(t, err)
	require.Equal(t, testPhone, started.Session.PhoneNumber)
	require.NotContains(t, started.Session.AnonymousToken, "788123456")
	require.Len(t, started.Session.AnonymousToken, len("ivr_")+64)
}

func TestStartCall_AcceptsCallerIDsThatAreNotNumbers(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()

	tokens := map[string]bool{}
	for _, raw := range []string{"anonymous", " Restricted ", "123", "+999 555"} {
		started, err := env.svc.StartCall(ctx, raw, "water")
		require.NoError(t, err, "raw=%q", raw)
		require.Equal(t, strings.TrimSpace(raw), started.Session.PhoneNumber)
		require.Equal(t, "Do you have clean water?", started.NextQuestion.QuestionText)
		tokens[started.Session.AnonymousToken] = true

		out, err := env.svc.Respond(ctx, RespondInput{CallID: started.Session.CallID, Value: "1"})
		require.NoError(t, err)
		require.Equal(t, "Yes", out.AnswerText)
	}
	require.Len(t, tokens, 4)
	require.Equal(t, 4, env.observer.started)
}

func TestStartCall_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey(), &domain.Survey{SurveyID: "empty", Title: "Empty"})
	ctx := context.Background()

	_, err := env.svc.StartCall(ctx, testPhone, " ")
	expectIVRError(t, err, ErrorInvalidInput, "missing_survey_id")

	_, err = env.svc.StartCall(ctx, "  ", "water")
	expectIVRError(t, err, ErrorInvalidInput, "missing_phone_number")

	_, err = env.svc.StartCall(ctx, testPhone, "missing")
	expectIVRError(t, err, ErrorNotFound, "survey_not_found")

	_, err = env.svc.StartCall(ctx, testPhone, "empty")
	expectIVRError(t, err, ErrorNotFound, "survey_has_no_questions")

	require.Zero(t, env.table.Len())
	require.Zero(t, env.observer.started)
}

func TestStartCall_CatalogError(t *testing.T) {
	env := newTestEnv(t)
	env.catalog.err = errors.New("dynamodb down")

	_, err := env.svc.StartCall(context.Background(), testPhone, "water")
	expectIVRError(t, err, ErrorPersistence, "catalog_read_error")
}

func TestStartCall_SSMLoadErrors(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	env.params.err = errors.New("ssm unavailable")
	_, err := env.svc.StartCall(context.Background(), testPhone, "water")
	expectIVRError(t, err, ErrorInternal, "ssm_load_error")

	env = newTestEnv(t, waterAccessSurvey())
	env.params.vals["/prefix/ivr/token_salt"] = ""
	_, err = env.svc.StartCall(context.Background(), testPhone, "water")
	expectIVRError(t, err, ErrorInternal, "ssm_load_error")
}

func TestStartCall_SSMLoadError_IsRetriedOnNextRequest(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	env.params.failOnce = true

	_, err := env.svc.StartCall(context.Background(), testPhone, "water")
	expectIVRError(t, err, ErrorInternal, "ssm_load_error")

	_, err = env.svc.StartCall(context.Background(), testPhone, "water")
	require.NoError(t, err)

	_, err = env.svc.StartCall(context.Background(), testPhone, "water")
	require.NoError(t, err)
	require.Equal(t, 2, env.params.calls)
}

// saltOnlySSM is an SSM API holding just the token salt.
type saltOnlySSM struct{ salt string }

func (f saltOnlySSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if in.Name == nil || *in.Name != "/prefix/ivr/token_salt" {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &f.salt}}, nil
}

func (f saltOnlySSM) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	return &ssm.GetParametersOutput{InvalidParameters: in.Names}, nil
}

func TestStartCall_ScriptTextIsOptional(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	params, err := paramstore.New(saltOnlySSM{salt: "pepper"})
	require.NoError(t, err)
	svc, err := NewIVRService(env.catalog, env.responses, env.table, params, Config{
		ParamPrefix: "/prefix/",
		Clock:       env.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx := context.Background()

	started, err := svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(started.Session.AnonymousToken, tokenPrefix))

	script, err := svc.GenerateScript(ctx, "water")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(script, "IVR Script for Survey: Water Access\n"+scriptRule+"\n\n"+defaultGreeting+"\n\n"))
	require.True(t, strings.HasSuffix(script, "\n\n"+defaultClosing+"\n"))
}

func TestStartCall_MissingSaltFails(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	delete(env.params.vals, "/prefix/ivr/token_salt")

	_, err := env.svc.StartCall(context.Background(), testPhone, "water")
	expectIVRError(t, err, ErrorInternal, "ssm_load_error")
	require.Zero(t, env.table.Len())
}

func TestRespond_UnknownCall(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())

	_, err := env.svc.Respond(context.Background(), RespondInput{CallID: "call_never", Value: "1"})
	expectIVRError(t, err, ErrorNotFound, "call_not_found")

	_, err = env.svc.CurrentQuestion(context.Background(), "call_never")
	expectIVRError(t, err, ErrorNotFound, "call_not_found")
}

func TestRespond_DecodingLaws(t *testing.T) {
	cases := []struct {
		name string
		qt   domain.QuestionType
		raw  string
		want string
	}{
		{name: "yes", qt: domain.QuestionYesNo, raw: "1", want: "Yes"},
		{name: "no", qt: domain.QuestionYesNo, raw: "2", want: "No"},
		{name: "yesno passthrough", qt: domain.QuestionYesNo, raw: "7", want: "7"},
		{name: "yesno passthrough text", qt: domain.QuestionYesNo, raw: "maybe", want: "maybe"},
		{name: "choice in range", qt: domain.QuestionMultipleChoice, raw: "2", want: "B"},
		{name: "choice out of range", qt: domain.QuestionMultipleChoice, raw: "9", want: ""},
		{name: "choice zero", qt: domain.QuestionMultipleChoice, raw: "0", want: ""},
		{name: "choice not a number", qt: domain.QuestionMultipleChoice, raw: "#", want: ""},
		{name: "choice with terminator", qt: domain.QuestionMultipleChoice, raw: "2#", want: "B"},
		{name: "numeric verbatim", qt: domain.QuestionNumeric, raw: "0042", want: "0042"},
		{name: "text verbatim", qt: domain.QuestionText, raw: "borehole near school", want: "borehole near school"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := domain.Question{QuestionID: "q1", QuestionText: "?", QuestionType: tc.qt, OrderIndex: 1}
			if tc.qt == domain.QuestionMultipleChoice {
				q.Options = []domain.Option{{OptionText: "A"}, {OptionText: "B"}, {OptionText: "C"}}
			}
			follow := domain.Question{QuestionID: "q2", QuestionText: "next", QuestionType: domain.QuestionText, OrderIndex: 2}
			env := newTestEnv(t, &domain.Survey{SurveyID: "s", Questions: []domain.Question{q, follow}})

			started, err := env.svc.StartCall(context.Background(), testPhone, "s")
			require.NoError(t, err)
			out, err := env.svc.Respond(context.Background(), RespondInput{CallID: started.Session.CallID, Value: tc.raw})
			require.NoError(t, err)
			require.Equal(t, tc.want, out.AnswerText)
			require.Equal(t, "q2", out.NextQuestion.QuestionID, "cursor advances regardless of decoded text")
		})
	}
}

func TestRespond_PersistenceFailureKeepsCursor(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	env.responses.failNext = errors.New("ProvisionedThroughputExceededException")
	_, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	expectIVRError(t, err, ErrorPersistence, "response_write_error")

	current, err := env.svc.CurrentQuestion(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, "q-clean", current.Question.QuestionID)

	out, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)
	require.Equal(t, "Yes", out.AnswerText)
	require.Equal(t, 1, env.responses.only(t).AnswerCount)
}

func TestRespond_FindErrorIsPersistenceFailure(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	started, err := env.svc.StartCall(context.Background(), testPhone, "water")
	require.NoError(t, err)

	env.responses.findErr = errors.New("timeout")
	_, err = env.svc.Respond(context.Background(), RespondInput{CallID: started.Session.CallID, Value: "1"})
	expectIVRError(t, err, ErrorPersistence, "response_write_error")
}

func TestRespond_SessionWriteFailureThenRetryDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	store := &conflictStore{Table: env.table}
	svc := env.newService(t, store)
	ctx := context.Background()

	started, err := svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	store.conflicts = 1
	_, err = svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	expectIVRError(t, err, ErrorInvalidState, "concurrent_update")

	status, err := svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, 0, status.CurrentQuestionIndex)

	out, err := svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)
	require.Equal(t, "Yes", out.AnswerText)

	resp := env.responses.only(t)
	require.Equal(t, 1, resp.AnswerCount)
	require.Len(t, env.responses.appendLog, 1)

	status, err = svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, 1, status.CurrentQuestionIndex)
	require.Equal(t, resp.ResponseID, status.ResponseID)
}

func TestRespond_StepReplayAndMismatch(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	out, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1", Step: intPtr(0)})
	require.NoError(t, err)
	require.False(t, out.Replayed)

	replay, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "2", Step: intPtr(0)})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, "Yes", replay.AnswerText)
	require.Equal(t, "q-distance", replay.NextQuestion.QuestionID)
	require.Equal(t, 1, env.responses.only(t).AnswerCount)

	_, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1", Step: intPtr(5)})
	expectIVRError(t, err, ErrorInvalidState, "step_mismatch")

	last, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "3", Step: intPtr(1)})
	require.NoError(t, err)
	require.Equal(t, ">5km", last.AnswerText)
	require.True(t, last.SurveyCompleted)

	replay, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1", Step: intPtr(1)})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.True(t, replay.SurveyCompleted)
	require.Equal(t, ">5km", replay.AnswerText)
}

func TestRespond_AfterCompletionHasNoCurrentQuestion(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	for _, v := range []string{"1", "1"} {
		_, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: v})
		require.NoError(t, err)
	}
	_, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	expectIVRError(t, err, ErrorInvalidState, "no_current_question")
	require.Equal(t, 2, env.responses.only(t).AnswerCount)
}

func TestRespond_AnswersStayOnOneResponseAcrossServiceInstances(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	_, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)

	// A second instance sharing the session arena continues the same call.
	other := env.newService(t, env.table)
	out, err := other.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)
	require.True(t, out.SurveyCompleted)
	require.Equal(t, 2, env.responses.only(t).AnswerCount)
}

func TestEnd(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()

	require.NoError(t, env.svc.End(ctx, "call_unknown"))
	require.Zero(t, env.table.Len())
	require.Empty(t, env.observer.ended)

	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	require.NoError(t, env.svc.End(ctx, callID))
	status, err := env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAbandoned, status.Status)
	require.NotNil(t, status.EndTime)
	require.Equal(t, 1, env.observer.ended[domain.CallAbandoned])

	require.NoError(t, env.svc.End(ctx, callID))
	require.Equal(t, 1, env.observer.ended[domain.CallAbandoned])
}

func TestEnd_AfterCompletionIsLastWriteWins(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID
	for _, v := range []string{"2", "1"} {
		_, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: v})
		require.NoError(t, err)
	}

	require.NoError(t, env.svc.End(ctx, callID))
	status, err := env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAbandoned, status.Status)
	require.Zero(t, env.observer.ended[domain.CallAbandoned])
}

func TestRespond_LastAnswerAfterEndCountsCallOnce(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	_, err = env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "1"})
	require.NoError(t, err)
	require.NoError(t, env.svc.End(ctx, callID))

	out, err := env.svc.Respond(ctx, RespondInput{CallID: callID, Value: "3"})
	require.NoError(t, err)
	require.True(t, out.SurveyCompleted)

	status, err := env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallCompleted, status.Status)
	require.Equal(t, 1, env.observer.ended[domain.CallAbandoned])
	require.Zero(t, env.observer.ended[domain.CallCompleted])
}

func TestEnd_RetriesOnConflict(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	store := &conflictStore{Table: env.table}
	svc := env.newService(t, store)
	ctx := context.Background()
	started, err := svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)

	store.conflicts = maxEndAttempts - 1
	require.NoError(t, svc.End(ctx, started.Session.CallID))
	status, err := svc.CallStatus(ctx, started.Session.CallID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAbandoned, status.Status)

	started, err = svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	store.conflicts = maxEndAttempts
	err = svc.End(ctx, started.Session.CallID)
	expectIVRError(t, err, ErrorInvalidState, "concurrent_update")
}

func TestCallStatus_UnknownIsNil(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	status, err := env.svc.CallStatus(context.Background(), "call_unknown")
	require.NoError(t, err)
	require.Nil(t, status)
}

func TestIdleCallIsAbandonedOnRead(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()
	started, err := env.svc.StartCall(ctx, testPhone, "water")
	require.NoError(t, err)
	callID := started.Session.CallID

	env.clock.Advance(5 * time.Minute)
	status, err := env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallActive, status.Status)

	env.clock.Advance(11 * time.Minute)
	status, err = env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAbandoned, status.Status)
	require.Equal(t, 1, env.observer.ended[domain.CallAbandoned])

	// Reading again does not count the expiry twice.
	_, err = env.svc.CallStatus(ctx, callID)
	require.NoError(t, err)
	require.Equal(t, 1, env.observer.ended[domain.CallAbandoned])
}

func TestGenerateScript(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())

	script, err := env.svc.GenerateScript(context.Background(), "water")
	require.NoError(t, err)
	want := "IVR Script for Survey: Water Access\n" +
		"=====================================\n\n" +
		"Welcome to the Ministry of Health Survey.\n" +
		"Please listen carefully and respond using your phone keypad.\n\n" +
		"Question 1: Do you have clean water?\n" +
		"Press 1 for Yes\n" +
		"Press 2 for No\n\n" +
		"Question 2: How far is the source?\n" +
		"Press 1 for <1km\n" +
		"Press 2 for 1-5km\n" +
		"Press 3 for >5km\n\n" +
		"Thank you for completing the survey.\n" +
		"Your responses help improve community health services.\n"
	require.Equal(t, want, script)
}

func TestGenerateScript_Errors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GenerateScript(context.Background(), "missing")
	expectIVRError(t, err, ErrorNotFound, "survey_not_found")

	env = newTestEnv(t, waterAccessSurvey())
	env.params.err = errors.New("ssm unavailable")
	_, err = env.svc.GenerateScript(context.Background(), "water")
	expectIVRError(t, err, ErrorInternal, "ssm_load_error")
}

func TestSimulateCall(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())

	out, err := env.svc.SimulateCall(context.Background(), "water")
	require.NoError(t, err)
	require.True(t, out.SurveyCompleted)
	require.Equal(t, []SimulatedStep{{Input: "1", AnswerText: "Yes"}, {Input: "2", AnswerText: "1-5km"}}, out.Steps)

	status, err := env.svc.CallStatus(context.Background(), out.CallID)
	require.NoError(t, err)
	require.Equal(t, testPhone, status.PhoneNumber)
	require.Equal(t, domain.CallCompleted, status.Status)
}

func TestSimulateCall_StopsWhenInputsRunOut(t *testing.T) {
	survey := &domain.Survey{SurveyID: "long"}
	for i := 0; i < 5; i++ {
		survey.Questions = append(survey.Questions, domain.Question{
			QuestionID:   fmt.Sprintf("q%d", i),
			QuestionType: domain.QuestionYesNo,
			OrderIndex:   i,
		})
	}
	env := newTestEnv(t, survey)

	out, err := env.svc.SimulateCall(context.Background(), "long")
	require.NoError(t, err)
	require.False(t, out.SurveyCompleted)
	require.Len(t, out.Steps, len(SimulationInputs()))
	require.Equal(t, []string{"Yes", "No", "Yes"}, []string{out.Steps[0].AnswerText, out.Steps[1].AnswerText, out.Steps[2].AnswerText})
}

func TestSimulateCall_UnknownSurvey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SimulateCall(context.Background(), "missing")
	expectIVRError(t, err, ErrorNotFound, "survey_not_found")
}

func TestConcurrentCallsDoNotInterfere(t *testing.T) {
	env := newTestEnv(t, waterAccessSurvey())
	ctx := context.Background()

	const calls = 20
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := env.svc.StartCall(ctx, testPhone, "water")
			if err != nil {
				errs <- err
				return
			}
			for _, v := range []string{"1", "3"} {
				if _, err := env.svc.Respond(ctx, RespondInput{CallID: started.Session.CallID, Value: v}); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := env.svc.Statistics(ctx, "")
	require.NoError(t, err)
	require.Equal(t, calls, stats.TotalResponses)
	require.Equal(t, calls, stats.CompletedResponses)
}
