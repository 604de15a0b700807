package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"signify-ivr/internal/domain"
	"signify-ivr/internal/usecase"
)

const (
	correlationHeader  = "X-Correlation-Id"
	routePrefix        = "ivr"
	metricsContentType = "text/plain; version=0.0.4; charset=utf-8"
)

// IVRUseCase is the session engine as seen by the transport.
type IVRUseCase interface {
	StartCall(ctx context.Context, phoneNumber, surveyID string) (usecase.StartOutput, error)
	CurrentQuestion(ctx context.Context, callID string) (usecase.QuestionOutput, error)
	Respond(ctx context.Context, in usecase.RespondInput) (usecase.RespondOutput, error)
	End(ctx context.Context, callID string) error
	CallStatus(ctx context.Context, callID string) (*domain.CallSession, error)
	Statistics(ctx context.Context, surveyID string) (domain.Statistics, error)
	GenerateScript(ctx context.Context, surveyID string) (string, error)
	SimulateCall(ctx context.Context, surveyID string) (usecase.SimulationOutput, error)
}

type MetricsWriter interface {
	WriteText(w io.Writer) error
}

type Handler struct {
	uc       IVRUseCase
	validate *validator.Validate
	logger   *slog.Logger
	metrics  MetricsWriter
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics enables GET /ivr/metrics.
func WithMetrics(m MetricsWriter) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(uc IVRUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, validate: validator.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type startRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
	SurveyID    string `json:"survey_id" validate:"required,max=128"`
}

type respondRequest struct {
	CallID        string `json:"call_id" validate:"required,max=128"`
	ResponseValue string `json:"response_value" validate:"max=512"`
	Step          *int   `json:"step,omitempty" validate:"omitempty,min=0"`
}

type startResponse struct {
	Success      bool             `json:"success"`
	CallID       string           `json:"call_id"`
	Message      string           `json:"message"`
	NextQuestion *domain.Question `json:"next_question"`
}

type respondResponse struct {
	Success         bool             `json:"success"`
	AnswerText      string           `json:"answer_text"`
	NextQuestion    *domain.Question `json:"next_question"`
	SurveyCompleted bool             `json:"survey_completed"`
	Replayed        bool             `json:"replayed,omitempty"`
}

type questionResponse struct {
	Success         bool             `json:"success"`
	Question        *domain.Question `json:"question"`
	SurveyCompleted bool             `json:"survey_completed"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type statusResponse struct {
	Success    bool                `json:"success"`
	CallStatus *domain.CallSession `json:"call_status"`
}

type statisticsResponse struct {
	Success    bool              `json:"success"`
	Statistics domain.Statistics `json:"statistics"`
}

type scriptResponse struct {
	Success bool   `json:"success"`
	Script  string `json:"script"`
}

type simulatedStep struct {
	Input      string `json:"input"`
	AnswerText string `json:"answer_text"`
}

type simulationResponse struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	CallID          string          `json:"call_id"`
	TestResponses   []string        `json:"test_responses"`
	Steps           []simulatedStep `json:"steps"`
	SurveyCompleted bool            `json:"survey_completed"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

// Handle serves one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)
	headers := map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}

	method := strings.ToUpper(event.HTTPMethod)
	segments := routeSegments(event.Path)

	if method == http.MethodGet && len(segments) == 1 && segments[0] == "metrics" && h.metrics != nil {
		var buf bytes.Buffer
		if err := h.metrics.WriteText(&buf); err != nil {
			logger.ErrorContext(ctx, "write metrics", "err", err)
			return h.errorResponse(headers, http.StatusInternalServerError, string(usecase.ErrorInternal), "metrics_error"), nil
		}
		headers["Content-Type"] = metricsContentType
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: headers, Body: buf.String()}, nil
	}

	body, err := requestBody(event)
	if err != nil {
		return h.errorResponse(headers, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body"), nil
	}

	out, status, err := h.dispatch(ctx, method, segments, event.QueryStringParameters, body)
	if err != nil {
		var routeErr *routeError
		if errors.As(err, &routeErr) {
			logger.WarnContext(ctx, "ivr request rejected", "method", method, "path", event.Path, "status", routeErr.status, "reason", routeErr.reason)
			return h.errorResponse(headers, routeErr.status, routeErr.code, routeErr.reason), nil
		}
		status, code, reason := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "ivr request failed", "method", method, "path", event.Path, "status", status, "reason", reason, "err", err)
		} else {
			logger.WarnContext(ctx, "ivr request rejected", "method", method, "path", event.Path, "status", status, "reason", reason)
		}
		return h.errorResponse(headers, status, code, reason), nil
	}

	payload, err := json.Marshal(out)
	if err != nil {
		logger.ErrorContext(ctx, "marshal response", "err", err)
		return h.errorResponse(headers, http.StatusInternalServerError, string(usecase.ErrorInternal), "marshal_error"), nil
	}
	logger.InfoContext(ctx, "ivr request handled", "method", method, "path", event.Path, "status", status)
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(payload)}, nil
}

// routeError is a transport-level rejection that never reached the use case.
type routeError struct {
	status int
	code   string
	reason string
}

func (e *routeError) Error() string { return e.reason }

func badRequest(reason string) error {
	return &routeError{status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), reason: reason}
}

func (h *Handler) dispatch(ctx context.Context, method string, segments []string, query map[string]string, body []byte) (any, int, error) {
	if len(segments) == 0 {
		return nil, 0, &routeError{status: http.StatusNotFound, code: string(usecase.ErrorNotFound), reason: "route_not_found"}
	}
	name, args := segments[0], segments[1:]

	type route struct {
		method string
		args   int
	}
	routes := map[string]route{
		"start":      {http.MethodPost, 0},
		"respond":    {http.MethodPost, 0},
		"question":   {http.MethodGet, 1},
		"end":        {http.MethodPost, 1},
		"status":     {http.MethodGet, 1},
		"statistics": {http.MethodGet, 0},
		"script":     {http.MethodGet, 1},
		"test":       {http.MethodPost, 1},
	}
	r, ok := routes[name]
	if !ok || len(args) != r.args {
		return nil, 0, &routeError{status: http.StatusNotFound, code: string(usecase.ErrorNotFound), reason: "route_not_found"}
	}
	if method != r.method {
		return nil, 0, &routeError{status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED", reason: "method_not_allowed"}
	}

	switch name {
	case "start":
		var req startRequest
		if err := h.decode(body, &req); err != nil {
			return nil, 0, err
		}
		out, err := h.uc.StartCall(ctx, req.PhoneNumber, req.SurveyID)
		if err != nil {
			return nil, 0, err
		}
		return startResponse{
			Success:      true,
			CallID:       out.Session.CallID,
			Message:      "IVR call started successfully",
			NextQuestion: out.NextQuestion,
		}, http.StatusCreated, nil

	case "respond":
		var req respondRequest
		if err := h.decode(body, &req); err != nil {
			return nil, 0, err
		}
		out, err := h.uc.Respond(ctx, usecase.RespondInput{CallID: req.CallID, Value: req.ResponseValue, Step: req.Step})
		if err != nil {
			return nil, 0, err
		}
		return respondResponse{
			Success:         true,
			AnswerText:      out.AnswerText,
			NextQuestion:    out.NextQuestion,
			SurveyCompleted: out.SurveyCompleted,
			Replayed:        out.Replayed,
		}, http.StatusOK, nil

	case "question":
		out, err := h.uc.CurrentQuestion(ctx, args[0])
		if err != nil {
			return nil, 0, err
		}
		return questionResponse{Success: true, Question: out.Question, SurveyCompleted: out.SurveyCompleted}, http.StatusOK, nil

	case "end":
		if err := h.uc.End(ctx, args[0]); err != nil {
			return nil, 0, err
		}
		return messageResponse{Success: true, Message: "IVR call ended"}, http.StatusOK, nil

	case "status":
		sess, err := h.uc.CallStatus(ctx, args[0])
		if err != nil {
			return nil, 0, err
		}
		return statusResponse{Success: true, CallStatus: sess}, http.StatusOK, nil

	case "statistics":
		stats, err := h.uc.Statistics(ctx, strings.TrimSpace(query["survey_id"]))
		if err != nil {
			return nil, 0, err
		}
		return statisticsResponse{Success: true, Statistics: stats}, http.StatusOK, nil

	case "script":
		script, err := h.uc.GenerateScript(ctx, args[0])
		if err != nil {
			return nil, 0, err
		}
		return scriptResponse{Success: true, Script: script}, http.StatusOK, nil

	default: // test
		out, err := h.uc.SimulateCall(ctx, args[0])
		if err != nil {
			return nil, 0, err
		}
		steps := make([]simulatedStep, len(out.Steps))
		for i, s := range out.Steps {
			steps[i] = simulatedStep{Input: s.Input, AnswerText: s.AnswerText}
		}
		return simulationResponse{
			Success:         true,
			Message:         "Test IVR call completed",
			CallID:          out.CallID,
			TestResponses:   usecase.SimulationInputs(),
			Steps:           steps,
			SurveyCompleted: out.SurveyCompleted,
		}, http.StatusOK, nil
	}
}

func (h *Handler) decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return badRequest("empty_body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid_json")
	}
	if err := h.validate.Struct(v); err != nil {
		return badRequest("validation_failed")
	}
	return nil
}

func (h *Handler) errorResponse(headers map[string]string, status int, code, reason string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Reason: reason})
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(body)}
}

func mapError(err error) (int, string, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected_error"
	}
	switch ue.Code {
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ue.Code), ue.Reason
	case usecase.ErrorInvalidState:
		return http.StatusConflict, string(ue.Code), ue.Reason
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code), ue.Reason
	case usecase.ErrorPersistence:
		return http.StatusServiceUnavailable, string(ue.Code), ue.Reason
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ue.Reason
	}
}

// routeSegments returns the path segments after the "ivr" segment, so the
// handler works behind a stage or base path.
func routeSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == routePrefix {
			return parts[i+1:]
		}
	}
	return nil
}

func requestBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	return base64.StdEncoding.DecodeString(event.Body)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
