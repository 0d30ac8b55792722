package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rfiassist/internal/model"
)

// AnswerManager is the answer surface the handlers need
type AnswerManager interface {
	Get(ctx context.Context, uuid string) (*model.Answer, error)
	GetByHash(ctx context.Context, hash string) (*model.Answer, error)
	ListByQuestionnaire(ctx context.Context, questionnaireID, cursor string, limit int) (*model.Page[*model.Answer], error)
	AllForQuestionnaire(ctx context.Context, questionnaireID string) ([]*model.Answer, error)
	Update(ctx context.Context, uuid string, req *model.UpdateAnswerRequest) (*model.Answer, error)
	Approve(ctx context.Context, uuid string) (*model.Answer, error)
	Reprocess(ctx context.Context, uuid string) (*model.Answer, error)
	Similar(ctx context.Context, questions []string) ([]model.SimilarResult, error)
}

// AnswerHandler handles answer endpoints
type AnswerHandler struct {
	answers AnswerManager
	log     *zap.Logger
}

// NewAnswerHandler creates a new answer handler
func NewAnswerHandler(answers AnswerManager, log *zap.Logger) *AnswerHandler {
	return &AnswerHandler{answers: answers, log: log}
}

// SimilarRequest is the request body of POST /v1/similar
type SimilarRequest struct {
	Questions []string `json:"questions"`
}

// Get handles GET /v1/answers/{uuid}
func (h *AnswerHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.answers.Get(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ByHash handles GET /v1/answers?hash=
func (h *AnswerHandler) ByHash(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "hash is required")
		return
	}
	a, err := h.answers.GetByHash(r.Context(), hash)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Update handles PATCH /v1/answers/{uuid}
func (h *AnswerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateAnswerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := h.answers.Update(r.Context(), mux.Vars(r)["uuid"], &req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Approve handles POST /v1/answers/{uuid}/approve
func (h *AnswerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	a, err := h.answers.Approve(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Reprocess handles POST /v1/answers/{uuid}/reprocess
func (h *AnswerHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	a, err := h.answers.Reprocess(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Similar handles POST /v1/similar
func (h *AnswerHandler) Similar(w http.ResponseWriter, r *http.Request) {
	var req SimilarRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	results, err := h.answers.Similar(r.Context(), req.Questions)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
