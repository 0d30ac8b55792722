package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rfiassist/internal/config"
	"rfiassist/internal/metrics"
	"rfiassist/internal/transport/rest/handler"
	"rfiassist/internal/transport/rest/middleware"
	"rfiassist/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	QuestionnaireService handler.QuestionnaireManager
	AnswerService        handler.AnswerManager
	WSHub                *ws.Hub
	Metrics              *metrics.Metrics
	Gatherer             prometheus.Gatherer // Served on /metrics; nil disables the endpoint
	HTTP                 config.HTTPConfig
	Logger               *zap.Logger
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()
	log := c.Logger.Named("http")

	questionnaireHandler := handler.NewQuestionnaireHandler(c.QuestionnaireService, c.AnswerService, log)
	answerHandler := handler.NewAnswerHandler(c.AnswerService, log)

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(c.HTTP.AllowedOrigins))
	r.Use(middleware.Logging(log))
	if c.Metrics != nil {
		r.Use(middleware.Metrics(c.Metrics))
	}

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	if c.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1 routes
	v1 := r.PathPrefix("/v1").Subrouter()
	if c.HTTP.RateLimitRPS > 0 {
		v1.Use(middleware.NewIPRateLimiter(c.HTTP.RateLimitRPS, c.HTTP.RateLimitBurst).Middleware)
	}

	v1.HandleFunc("/questionnaires", questionnaireHandler.Create).Methods("POST", "OPTIONS")
	v1.HandleFunc("/questionnaires", questionnaireHandler.List).Methods("GET", "OPTIONS")
	v1.HandleFunc("/questionnaires/by-name/{name}", questionnaireHandler.GetByName).Methods("GET", "OPTIONS")
	v1.HandleFunc("/questionnaires/{id}", questionnaireHandler.Get).Methods("GET", "OPTIONS")
	v1.HandleFunc("/questionnaires/{id}", questionnaireHandler.Delete).Methods("DELETE", "OPTIONS")
	v1.HandleFunc("/questionnaires/{id}/approve", questionnaireHandler.Approve).Methods("POST", "OPTIONS")
	v1.HandleFunc("/questionnaires/{id}/answers", questionnaireHandler.Answers).Methods("GET", "OPTIONS")

	v1.HandleFunc("/answers", answerHandler.ByHash).Methods("GET", "OPTIONS")
	v1.HandleFunc("/answers/{uuid}", answerHandler.Get).Methods("GET", "OPTIONS")
	v1.HandleFunc("/answers/{uuid}", answerHandler.Update).Methods("PATCH", "OPTIONS")
	v1.HandleFunc("/answers/{uuid}/approve", answerHandler.Approve).Methods("POST", "OPTIONS")
	v1.HandleFunc("/answers/{uuid}/reprocess", answerHandler.Reprocess).Methods("POST", "OPTIONS")
	v1.HandleFunc("/similar", answerHandler.Similar).Methods("POST", "OPTIONS")

	// WebSocket progress stream
	if c.WSHub != nil {
		wsHandler := ws.NewHandler(c.WSHub, c.QuestionnaireService, log)
		v1.HandleFunc("/ws/questionnaires/{id}", wsHandler.QuestionnaireWS).Methods("GET")
	}

	return r
}
