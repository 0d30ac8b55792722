package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rfiassist/internal/config"
	"rfiassist/internal/metrics"
	"rfiassist/internal/model"
)

// --- Mocks ---

type mockQuestionnaires struct {
	created    *model.CreateQuestionnaireRequest
	deleted    []bool
	err        error
	listPrefix string
}

func (m *mockQuestionnaires) Create(_ context.Context, req *model.CreateQuestionnaireRequest) (*model.Questionnaire, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.created = req
	return &model.Questionnaire{ID: "q-1", Name: req.Name, State: model.StateLoaded}, nil
}

func (m *mockQuestionnaires) Get(_ context.Context, id string) (*model.Questionnaire, error) {
	if id != "q-1" {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	return &model.Questionnaire{ID: id, Name: "acme", State: model.StateAnswering, TotalAnswersApproved: 2}, nil
}

func (m *mockQuestionnaires) GetByName(ctx context.Context, name string) (*model.Questionnaire, error) {
	if name != "acme rfp" {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	return m.Get(ctx, "q-1")
}

func (m *mockQuestionnaires) Search(_ context.Context, prefix, cursor string, limit int) (*model.Page[*model.Questionnaire], error) {
	m.listPrefix = prefix
	return &model.Page[*model.Questionnaire]{Items: []*model.Questionnaire{{ID: "q-1", Name: "acme"}}, Next: "acme"}, nil
}

func (m *mockQuestionnaires) Delete(_ context.Context, id string, force, removeAnswers bool) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = []bool{force, removeAnswers}
	return nil
}

func (m *mockQuestionnaires) Approve(_ context.Context, id string) (int64, error) {
	return 4, nil
}

type mockAnswers struct {
	updated    *model.UpdateAnswerRequest
	reprocess  error
	lastCursor string
}

func (m *mockAnswers) Get(_ context.Context, uuid string) (*model.Answer, error) {
	if uuid != "a-1" {
		return nil, model.NewNotFoundError("answer not found")
	}
	return &model.Answer{UUID: uuid, Hash: "abc", Question: "Q?", Answer: "A"}, nil
}

func (m *mockAnswers) GetByHash(ctx context.Context, hash string) (*model.Answer, error) {
	return m.Get(ctx, "a-1")
}

func (m *mockAnswers) ListByQuestionnaire(_ context.Context, questionnaireID, cursor string, limit int) (*model.Page[*model.Answer], error) {
	m.lastCursor = cursor
	return &model.Page[*model.Answer]{Items: []*model.Answer{{UUID: "a-1"}}}, nil
}

func (m *mockAnswers) AllForQuestionnaire(_ context.Context, questionnaireID string) ([]*model.Answer, error) {
	if questionnaireID != "q-1" {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	return []*model.Answer{{UUID: "a-1"}, {UUID: "a-2"}, {UUID: "a-3"}}, nil
}

func (m *mockAnswers) Update(ctx context.Context, uuid string, req *model.UpdateAnswerRequest) (*model.Answer, error) {
	m.updated = req
	return m.Get(ctx, uuid)
}

func (m *mockAnswers) Approve(ctx context.Context, uuid string) (*model.Answer, error) {
	a, err := m.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	a.Approval = model.ApprovalApproved
	return a, nil
}

func (m *mockAnswers) Reprocess(ctx context.Context, uuid string) (*model.Answer, error) {
	if m.reprocess != nil {
		return nil, m.reprocess
	}
	return m.Get(ctx, uuid)
}

func (m *mockAnswers) Similar(_ context.Context, questions []string) ([]model.SimilarResult, error) {
	if len(questions) == 0 {
		return nil, model.NewValidationError("at least one question is required")
	}
	return []model.SimilarResult{{Question: questions[0], Neighbors: []model.Similar{{Question: "Old", Answer: "Yes", Distance: 0.9}}}}, nil
}

type testServer struct {
	handler        http.Handler
	questionnaires *mockQuestionnaires
	answers        *mockAnswers
	metrics        *metrics.Metrics
}

func newTestServer(httpCfg config.HTTPConfig) *testServer {
	reg := prometheus.NewRegistry()
	s := &testServer{
		questionnaires: &mockQuestionnaires{},
		answers:        &mockAnswers{},
		metrics:        metrics.New(reg),
	}
	s.handler = NewRouter(&Container{
		QuestionnaireService: s.questionnaires,
		AnswerService:        s.answers,
		Metrics:              s.metrics,
		Gatherer:             reg,
		HTTP:                 httpCfg,
		Logger:               zap.NewNop(),
	})
	return s
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateQuestionnaire(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("POST", "/v1/questionnaires", map[string]string{"name": "acme rfp", "text": "Do you have SOC 2?", "type": "rfp"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var q model.Questionnaire
	decodeJSON(t, rec, &q)
	assert.Equal(t, "q-1", q.ID)
	assert.Equal(t, model.StateLoaded, q.State)
	assert.Equal(t, model.TypeRFP, s.questionnaires.created.Type)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateQuestionnaireRejectsBadInput(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("POST", "/v1/questionnaires", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("POST", "/v1/questionnaires", map[string]string{"name": "bad/name", "text": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Contains(t, body["error"], "may only contain")
}

func TestGetQuestionnaire(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("GET", "/v1/questionnaires/q-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q model.Questionnaire
	decodeJSON(t, rec, &q)
	assert.Equal(t, 2, q.TotalAnswersApproved)

	rec = s.do("GET", "/v1/questionnaires/by-name/acme%20rfp", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do("GET", "/v1/questionnaires/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListQuestionnaires(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("GET", "/v1/questionnaires?prefix=ac&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page model.Page[*model.Questionnaire]
	decodeJSON(t, rec, &page)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "acme", page.Next)
	assert.Equal(t, "ac", s.questionnaires.listPrefix)

	rec = s.do("GET", "/v1/questionnaires?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteQuestionnaire(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("DELETE", "/v1/questionnaires/q-1?force=true&removeAnswers=1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []bool{true, true}, s.questionnaires.deleted)

	s.questionnaires.err = model.NewInvalidStateError("questionnaire is answering")
	rec = s.do("DELETE", "/v1/questionnaires/q-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveQuestionnaire(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("POST", "/v1/questionnaires/q-1/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int64
	decodeJSON(t, rec, &body)
	assert.Equal(t, int64(4), body["approved"])
}

func TestAnswerEndpoints(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("GET", "/v1/questionnaires/q-1/answers?cursor=a-0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a-0", s.answers.lastCursor)

	rec = s.do("GET", "/v1/questionnaires/q-1/answers?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []map[string]interface{} `json:"items"`
		Next  string                   `json:"next"`
	}
	decodeJSON(t, rec, &page)
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.Next)
	rec = s.do("GET", "/v1/questionnaires/missing/answers?all=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do("GET", "/v1/answers/a-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var a map[string]interface{}
	decodeJSON(t, rec, &a)
	assert.Equal(t, "a-1", a["uuid"])
	assert.Equal(t, "abc", a["id"])

	rec = s.do("GET", "/v1/answers?hash=abc", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do("GET", "/v1/answers", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("PATCH", "/v1/answers/a-1", `{"approved": false, "answer": " edited "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, s.answers.updated.Approved)
	assert.False(t, *s.answers.updated.Approved)
	assert.Equal(t, " edited ", *s.answers.updated.Answer)

	rec = s.do("PATCH", "/v1/answers/a-1", `{"approval": "yes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("POST", "/v1/answers/a-1/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &a)
	assert.Equal(t, "approved", a["approval"])
}

func TestReprocessFailureIsBadGateway(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})
	s.answers.reprocess = model.NewGenerationError("generator returned no answer", nil)

	rec := s.do("POST", "/v1/answers/a-1/reprocess", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	s.answers.reprocess = model.NewDataIntegrityError("two rows share a hash")
	rec = s.do("POST", "/v1/answers/a-1/reprocess", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "internal server error", body["error"])
}

func TestSimilarEndpoint(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("POST", "/v1/similar", map[string][]string{"questions": {"Do you have SOC 2?"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []model.SimilarResult `json:"results"`
	}
	decodeJSON(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "Yes", body.Results[0].Neighbors[0].Answer)

	rec = s.do("POST", "/v1/similar", map[string][]string{"questions": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(config.HTTPConfig{})

	rec := s.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s.do("GET", "/v1/questionnaires/q-1", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestCounter.WithLabelValues("GET", "/v1/questionnaires/{id}", "200")))

	rec = s.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(config.HTTPConfig{AllowedOrigins: []string{"https://app.example.com"}})

	rec := s.do("OPTIONS", "/v1/questionnaires", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	s := newTestServer(config.HTTPConfig{RateLimitRPS: 1, RateLimitBurst: 1})

	rec := s.do("GET", "/v1/questionnaires/q-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Second immediate request should be rate limited
	rec = s.do("GET", "/v1/questionnaires/q-1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = s.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
