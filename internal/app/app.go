package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"rfiassist/internal/cache"
	"rfiassist/internal/config"
	"rfiassist/internal/eventbus"
	"rfiassist/internal/llm"
	"rfiassist/internal/metrics"
	"rfiassist/internal/model"
	"rfiassist/internal/repository"
	"rfiassist/internal/service"
	"rfiassist/internal/transport/rest"
	"rfiassist/internal/transport/ws"
	"rfiassist/internal/vector"
)

// App is the wired process: stores, event bus, services and the HTTP surface
type App struct {
	Config *config.Config
	Log    *zap.Logger

	Mongo *mongo.Client
	DB    *mongo.Database
	Redis *redis.Client
	index vector.Index

	Bus            *eventbus.RedisBus
	Hub            *ws.Hub
	Metrics        *metrics.Metrics
	Registry       *prometheus.Registry
	Questionnaires *service.QuestionnaireService
	Answers        *service.AnswerService
	Router         http.Handler
}

// ConnectMongo connects and pings MongoDB
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// ConnectRedis connects and pings Redis
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Models are the generative backends. Nil fields select the offline mocks.
type Models struct {
	Client   *genai.Client
	Extract  llm.Model
	Answer   llm.Model
	Embedder vector.Embedder
}

// NewModels builds the Gemini models and the query embedder, or empty Models
// when no AI backend is configured. taskType is the embedding task type.
func NewModels(ctx context.Context, cfg config.AIConfig, vec config.VectorConfig, taskType string, log *zap.Logger) (*Models, error) {
	if !cfg.IsEnabled() {
		log.Warn("no AI credentials configured; using mock extraction and answers")
		return &Models{}, nil
	}
	client, err := llm.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &Models{
		Client:   client,
		Extract:  llm.NewGemini(client, cfg.ExtractModel, limiter, cfg.Timeout(), log),
		Answer:   llm.NewGemini(client, cfg.AnswerModel, limiter, cfg.Timeout(), log),
		Embedder: vector.NewGenAIEmbedder(client, cfg.EmbeddingModel, vec.EmbedBatchSize, taskType, limiter),
	}, nil
}

// New connects every backing store and builds the service graph. Subscriptions
// are registered on the bus but not served until Run.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	var err error
	if a.Mongo, err = ConnectMongo(ctx, cfg.Mongo); err != nil {
		return nil, err
	}
	log.Info("connected to MongoDB", zap.String("database", cfg.Mongo.Database))
	a.DB = a.Mongo.Database(cfg.Mongo.Database)

	if a.Redis, err = ConnectRedis(ctx, cfg.Redis); err != nil {
		a.Close(ctx)
		return nil, err
	}
	log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	questionnaireRepo := repository.NewQuestionnaireRepo(a.DB)
	answerRepo := repository.NewAnswerRepo(a.DB, cfg.Pipeline.PageSize)
	for _, r := range []interface{ EnsureIndexes(context.Context) error }{questionnaireRepo, answerRepo} {
		if err := r.EnsureIndexes(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	models, err := NewModels(ctx, cfg.AI, cfg.Vector, "RETRIEVAL_QUERY", log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var similar service.SimilarFinder
	if cfg.Vector.IsEnabled() && models.Embedder != nil {
		index, err := vector.NewMatchingEngine(ctx, cfg.Vector.APIEndpoint, cfg.Vector.IndexEndpoint, cfg.Vector.DeployedIndexID)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.index = index
		embeddings := cache.NewEmbeddingCache(a.Redis, cfg.Vector.CacheTTL)
		similar = service.NewSimilarityRetriever(models.Embedder, index, embeddings, answerRepo, cfg.Vector.NeighborCount, log)
		log.Info("similarity retrieval enabled", zap.String("deployed_index", cfg.Vector.DeployedIndexID))
	} else {
		log.Info("similarity retrieval disabled")
	}

	bundle, err := service.LoadContextBundle(cfg.AI.ContextDir)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Bus = eventbus.NewRedisBus(a.Redis, log, a.Metrics, eventbus.Options{
		Consumer:       cfg.Pipeline.Consumer,
		Concurrency:    cfg.Pipeline.Concurrency,
		HandlerTimeout: cfg.Pipeline.HandlerTimeout,
	})

	extractor := service.NewExtractor(models.Extract, log)
	generator := service.NewGenerator(models.Answer, similar, bundle, cfg.Vector.SimilarityThreshold, log)
	a.Questionnaires = service.NewQuestionnaireService(questionnaireRepo, answerRepo, extractor, generator, a.Bus, a.Metrics, cfg.Pipeline, log)
	a.Answers = service.NewAnswerService(answerRepo, questionnaireRepo, a.Questionnaires, generator, similar, a.Bus, a.Metrics, cfg.Pipeline, log)

	// wsHub implements service.Broadcaster
	a.Hub = ws.NewHub(log)
	a.Questionnaires.SetBroadcaster(a.Hub)
	a.Answers.SetBroadcaster(a.Hub)

	RegisterSubscriptions(a.Bus, a.Questionnaires, a.Answers, cfg.Pipeline.HandlerTimeout, log)

	a.Router = rest.NewRouter(&rest.Container{
		QuestionnaireService: a.Questionnaires,
		AnswerService:        a.Answers,
		WSHub:                a.Hub,
		Metrics:              a.Metrics,
		Gatherer:             a.Registry,
		HTTP:                 cfg.HTTP,
		Logger:               log,
	})
	return a, nil
}

// RegisterSubscriptions binds every pipeline topic to its handler
func RegisterSubscriptions(bus eventbus.Bus, questionnaires *service.QuestionnaireService, answers *service.AnswerService, timeout time.Duration, log *zap.Logger) {
	bus.Subscribe(model.TopicQuestionnaireCreated,
		eventbus.Typed(log, model.TopicQuestionnaireCreated, questionnaires.OnCreated), timeout)
	bus.Subscribe(model.TopicAnswerBatch,
		eventbus.Typed(log, model.TopicAnswerBatch, questionnaires.OnAnswerBatch), timeout)
	bus.Subscribe(model.TopicAnswerCreated,
		eventbus.Typed(log, model.TopicAnswerCreated, answers.OnCreated), timeout)
	bus.Subscribe(model.TopicAnswerProcess,
		eventbus.Typed(log, model.TopicAnswerProcess, answers.OnProcess), timeout)
}

// Run serves HTTP and the event bus until ctx is done, then shuts both down
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Config.HTTP.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Bus.Run(ctx)
	})
	g.Go(func() error {
		a.Log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.Log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases every connection New opened
func (a *App) Close(ctx context.Context) {
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.Log.Warn("close vector index", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("close redis", zap.Error(err))
		}
	}
	if a.Mongo != nil {
		if err := a.Mongo.Disconnect(ctx); err != nil {
			a.Log.Warn("disconnect mongo", zap.Error(err))
		}
	}
}
