package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rfiassist/internal/model"
)

// QuestionnaireManager is the questionnaire surface the handlers need
type QuestionnaireManager interface {
	Create(ctx context.Context, req *model.CreateQuestionnaireRequest) (*model.Questionnaire, error)
	Get(ctx context.Context, id string) (*model.Questionnaire, error)
	GetByName(ctx context.Context, name string) (*model.Questionnaire, error)
	Search(ctx context.Context, prefix, cursor string, limit int) (*model.Page[*model.Questionnaire], error)
	Delete(ctx context.Context, id string, force, removeAnswers bool) error
	Approve(ctx context.Context, id string) (int64, error)
}

// QuestionnaireHandler handles questionnaire endpoints
type QuestionnaireHandler struct {
	questionnaires QuestionnaireManager
	answers        AnswerManager
	log            *zap.Logger
}

// NewQuestionnaireHandler creates a new questionnaire handler
func NewQuestionnaireHandler(questionnaires QuestionnaireManager, answers AnswerManager, log *zap.Logger) *QuestionnaireHandler {
	return &QuestionnaireHandler{questionnaires: questionnaires, answers: answers, log: log}
}

// Create handles POST /v1/questionnaires
func (h *QuestionnaireHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateQuestionnaireRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q, err := h.questionnaires.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, q)
}

// List handles GET /v1/questionnaires?prefix=&cursor=&limit=
func (h *QuestionnaireHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	page, err := h.questionnaires.Search(r.Context(), query.Get("prefix"), query.Get("cursor"), limit)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Get handles GET /v1/questionnaires/{id}
func (h *QuestionnaireHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, err := h.questionnaires.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetByName handles GET /v1/questionnaires/by-name/{name}
func (h *QuestionnaireHandler) GetByName(w http.ResponseWriter, r *http.Request) {
	q, err := h.questionnaires.GetByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Delete handles DELETE /v1/questionnaires/{id}?force=&removeAnswers=
func (h *QuestionnaireHandler) Delete(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	force, _ := strconv.ParseBool(query.Get("force"))
	removeAnswers, _ := strconv.ParseBool(query.Get("removeAnswers"))

	if err := h.questionnaires.Delete(r.Context(), mux.Vars(r)["id"], force, removeAnswers); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Approve handles POST /v1/questionnaires/{id}/approve
func (h *QuestionnaireHandler) Approve(w http.ResponseWriter, r *http.Request) {
	n, err := h.questionnaires.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"approved": n})
}

// Answers handles GET /v1/questionnaires/{id}/answers?cursor=&limit=, or every page with all=true
func (h *QuestionnaireHandler) Answers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if all, _ := strconv.ParseBool(query.Get("all")); all {
		items, err := h.answers.AllForQuestionnaire(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, &model.Page[*model.Answer]{Items: items})
		return
	}

	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	page, err := h.answers.ListByQuestionnaire(r.Context(), mux.Vars(r)["id"], query.Get("cursor"), limit)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewValidationError("limit must be a non-negative integer")
	}
	return n, nil
}
