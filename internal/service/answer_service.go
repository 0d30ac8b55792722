package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"rfiassist/internal/config"
	"rfiassist/internal/eventbus"
	"rfiassist/internal/metrics"
	"rfiassist/internal/model"
	"rfiassist/internal/repository"
)

// AnswerService handles answer reads, reviewer edits, reprocessing and the per-answer events
type AnswerService struct {
	answerRepo        repository.AnswerRepo
	questionnaireRepo repository.QuestionnaireRepo
	questionnaireSvc  *QuestionnaireService
	generator         AnswerGenerator
	similar           SimilarFinder
	bus               eventbus.Publisher
	metrics           *metrics.Metrics
	pipeline          config.PipelineConfig
	broadcaster       Broadcaster
	log               *zap.Logger
}

// NewAnswerService creates a new answer service
func NewAnswerService(
	answerRepo repository.AnswerRepo,
	questionnaireRepo repository.QuestionnaireRepo,
	questionnaireSvc *QuestionnaireService,
	generator AnswerGenerator,
	similar SimilarFinder,
	bus eventbus.Publisher,
	m *metrics.Metrics,
	pipeline config.PipelineConfig,
	log *zap.Logger,
) *AnswerService {
	return &AnswerService{
		answerRepo:        answerRepo,
		questionnaireRepo: questionnaireRepo,
		questionnaireSvc:  questionnaireSvc,
		generator:         generator,
		similar:           similar,
		bus:               bus,
		metrics:           m,
		pipeline:          pipeline,
		log:               log.Named("answer"),
	}
}

// SetBroadcaster sets the broadcaster for WebSocket events
func (s *AnswerService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

func (s *AnswerService) Get(ctx context.Context, uuid string) (*model.Answer, error) {
	a, err := s.answerRepo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, model.NewNotFoundError("answer not found")
	}
	return a, nil
}

// GetByHash returns the preferred answered row for a question hash
func (s *AnswerService) GetByHash(ctx context.Context, hash string) (*model.Answer, error) {
	a, err := s.answerRepo.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, model.NewNotFoundError("no answer for hash " + hash)
	}
	return a, nil
}

// ListByQuestionnaire returns one page of a questionnaire's answers
func (s *AnswerService) ListByQuestionnaire(ctx context.Context, questionnaireID, cursor string, limit int) (*model.Page[*model.Answer], error) {
	q, err := s.questionnaireRepo.GetByID(ctx, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	items, next, err := s.answerRepo.ListByQuestionnaire(ctx, questionnaireID, cursor, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.Answer{}
	}
	return &model.Page[*model.Answer]{Items: items, Next: next}, nil
}

// AllForQuestionnaire returns every answer of a questionnaire across all pages
func (s *AnswerService) AllForQuestionnaire(ctx context.Context, questionnaireID string) ([]*model.Answer, error) {
	q, err := s.questionnaireRepo.GetByID(ctx, questionnaireID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	items, err := s.answerRepo.AllByQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.Answer{}
	}
	return items, nil
}

// Similar looks up previously answered questions near each input question
func (s *AnswerService) Similar(ctx context.Context, questions []string) ([]model.SimilarResult, error) {
	var cleaned []string
	for _, q := range questions {
		if q = model.NormalizeQuestion(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return nil, model.NewValidationError("at least one question is required")
	}
	if s.similar == nil {
		out := make([]model.SimilarResult, len(cleaned))
		for i, q := range cleaned {
			out[i] = model.SimilarResult{Question: q, Neighbors: []model.Similar{}}
		}
		return out, nil
	}
	return s.similar.GetSimilar(ctx, cleaned)
}

// Update applies a reviewer edit. The row is overwritten (last write wins).
func (s *AnswerService) Update(ctx context.Context, uuid string, req *model.UpdateAnswerRequest) (*model.Answer, error) {
	if req.Approved == nil && req.Answer == nil {
		return nil, model.NewValidationError("nothing to update: set approved or answer")
	}
	a, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if req.Approved != nil {
		a.Approval = model.ApprovalFromBool(*req.Approved)
	}
	if req.Answer != nil {
		a.Answer = strings.TrimSpace(*req.Answer)
	}
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Approve marks one answer approved
func (s *AnswerService) Approve(ctx context.Context, uuid string) (*model.Answer, error) {
	approved := true
	return s.Update(ctx, uuid, &model.UpdateAnswerRequest{Approved: &approved})
}

// ApproveForQuestionnaire approves every answer owned by the questionnaire
func (s *AnswerService) ApproveForQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	n, err := s.answerRepo.ApproveForQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return 0, fmt.Errorf("approve answers: %w", err)
	}
	s.log.Info("approved questionnaire answers", zap.String("questionnaire_id", questionnaireID), zap.Int64("count", n))
	return n, nil
}

// Reprocess regenerates one answer. A generator result without an answer for the
// question is a GenerationError and the stored answer is kept.
func (s *AnswerService) Reprocess(ctx context.Context, uuid string) (*model.Answer, error) {
	a, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	qType, cType, err := s.resolveTypes(ctx, a.QuestionnaireID)
	if err != nil {
		return nil, err
	}

	question := model.NormalizeQuestion(a.Question)
	results, err := s.generator.AnswerBatch(ctx, []string{question}, qType, cType)
	if err != nil {
		s.metrics.GenerationErrors.WithLabelValues("reprocess").Inc()
		return nil, err
	}
	text := strings.TrimSpace(results[question])
	if text == "" {
		s.metrics.GenerationErrors.WithLabelValues("reprocess").Inc()
		return nil, model.NewGenerationError(fmt.Sprintf("generator returned no answer for %q", truncate(question, 80)), nil)
	}

	a.Answer = text
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	s.metrics.AnswersGenerated.WithLabelValues("reprocess").Inc()
	s.log.Info("answer reprocessed", zap.String("answer_uuid", a.UUID))
	return a, nil
}

func (s *AnswerService) save(ctx context.Context, a *model.Answer) error {
	if err := s.answerRepo.Update(ctx, a); err != nil {
		return err
	}
	s.notify(a)
	if a.IsAnswered() && !a.IsSeed() {
		return s.questionnaireSvc.CheckCompletion(ctx, a.QuestionnaireID)
	}
	return nil
}

func (s *AnswerService) notify(a *model.Answer) {
	if s.broadcaster == nil || a.IsSeed() {
		return
	}
	s.broadcaster.BroadcastToQuestionnaire(a.QuestionnaireID, model.MsgAnswerUpdated, a)
}

// resolveTypes falls back to OTHER when the owning questionnaire is gone
func (s *AnswerService) resolveTypes(ctx context.Context, questionnaireID string) (model.QuestionnaireType, model.CustomerType, error) {
	if questionnaireID == "" {
		return model.TypeOther, model.CustomerOther, nil
	}
	q, err := s.questionnaireRepo.GetByID(ctx, questionnaireID)
	if err != nil {
		return "", "", err
	}
	if q == nil {
		return model.TypeOther, model.CustomerOther, nil
	}
	qType, cType := q.Type, q.CustomerType
	if !qType.IsValid() {
		qType = model.TypeOther
	}
	if !cType.IsValid() {
		cType = model.CustomerOther
	}
	return qType, cType, nil
}

// OnCreated schedules the per-answer processing event with a random delay and
// marks a PROCESSING questionnaire as ANSWERING
func (s *AnswerService) OnCreated(ctx context.Context, event model.AnswerEvent) error {
	var delay time.Duration
	if s.pipeline.AnswerJitter > 0 {
		delay = rand.N(s.pipeline.AnswerJitter)
	}
	if err := s.bus.Publish(ctx, model.TopicAnswerProcess, delay, model.AnswerEvent{Answer: event.Answer}); err != nil {
		return fmt.Errorf("publish answer process: %w", err)
	}
	if event.Answer.IsSeed() {
		return nil
	}
	return s.questionnaireSvc.MarkAnswering(ctx, event.Answer.QuestionnaireID)
}

// OnProcess answers one pending row when it is owned by the per-answer path
// (single dispatch mode or a batch gap fill), then runs the convergence check
func (s *AnswerService) OnProcess(ctx context.Context, event model.AnswerEvent) error {
	log := s.log.With(zap.String("answer_uuid", event.Answer.UUID), zap.Bool("gap_fill", event.GapFill))

	a, err := s.answerRepo.GetByUUID(ctx, event.Answer.UUID)
	if err != nil {
		return err
	}
	if a == nil {
		log.Info("answer vanished before processing")
		return nil
	}
	if a.IsSeed() {
		return nil
	}
	if a.IsAnswered() {
		return s.questionnaireSvc.CheckCompletion(ctx, a.QuestionnaireID)
	}
	if s.pipeline.DispatchMode != config.DispatchSingle && !event.GapFill {
		log.Debug("pending answer left to its batch")
		return nil
	}

	q, err := s.questionnaireRepo.GetByID(ctx, a.QuestionnaireID)
	if err != nil {
		return err
	}
	if q == nil || q.State.IsTerminal() {
		log.Info("questionnaire no longer answering; skipping")
		return nil
	}
	qType, cType, err := s.resolveTypes(ctx, a.QuestionnaireID)
	if err != nil {
		return err
	}

	text, err := s.generator.Answer(ctx, a.Question, qType, cType)
	if err != nil {
		s.metrics.GenerationErrors.WithLabelValues("single").Inc()
		if !errors.Is(err, model.ErrGeneration) {
			return err
		}
		log.Error("single answer generation failed", zap.Error(err))
		return s.questionnaireSvc.Fail(ctx, a.QuestionnaireID,
			fmt.Sprintf("answer generation failed for question %q: %v", a.Question, err))
	}

	a.Answer = text
	if _, err := s.answerRepo.Upsert(ctx, a); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	s.metrics.AnswersGenerated.WithLabelValues("single").Inc()
	s.notify(a)
	log.Info("answer generated")
	return s.questionnaireSvc.CheckCompletion(ctx, a.QuestionnaireID)
}
