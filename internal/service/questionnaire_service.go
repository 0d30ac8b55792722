package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rfiassist/internal/config"
	"rfiassist/internal/eventbus"
	"rfiassist/internal/metrics"
	"rfiassist/internal/model"
	"rfiassist/internal/repository"
)

// QuestionnaireService owns the questionnaire lifecycle: creation, extraction,
// batch fan-out, batch completion and the convergence check into COMPLETED.
type QuestionnaireService struct {
	questionnaireRepo repository.QuestionnaireRepo
	answerRepo        repository.AnswerRepo
	extractor         QuestionExtractor
	generator         AnswerGenerator
	bus               eventbus.Publisher
	metrics           *metrics.Metrics
	pipeline          config.PipelineConfig
	broadcaster       Broadcaster
	log               *zap.Logger
}

// NewQuestionnaireService creates a new questionnaire service
func NewQuestionnaireService(
	questionnaireRepo repository.QuestionnaireRepo,
	answerRepo repository.AnswerRepo,
	extractor QuestionExtractor,
	generator AnswerGenerator,
	bus eventbus.Publisher,
	m *metrics.Metrics,
	pipeline config.PipelineConfig,
	log *zap.Logger,
) *QuestionnaireService {
	if pipeline.BatchSize <= 0 {
		pipeline.BatchSize = 10
	}
	return &QuestionnaireService{
		questionnaireRepo: questionnaireRepo,
		answerRepo:        answerRepo,
		extractor:         extractor,
		generator:         generator,
		bus:               bus,
		metrics:           m,
		pipeline:          pipeline,
		log:               log.Named("questionnaire"),
	}
}

// SetBroadcaster sets the broadcaster for WebSocket events
func (s *QuestionnaireService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Create validates and persists a LOADED questionnaire, then triggers extraction
func (s *QuestionnaireService) Create(ctx context.Context, req *model.CreateQuestionnaireRequest) (*model.Questionnaire, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.questionnaireRepo.GetByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("check name: %w", err)
	}
	if existing != nil {
		return nil, model.NewValidationError(fmt.Sprintf("questionnaire name %q is already in use", req.Name))
	}

	q := &model.Questionnaire{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Text:         req.Text,
		Type:         req.Type,
		CustomerType: req.CustomerType,
		CreatedBy:    req.CreatedBy,
		State:        model.StateLoaded,
		DateCreated:  time.Now().UTC(),
	}
	if err := s.questionnaireRepo.Create(ctx, q); err != nil {
		return nil, err
	}

	if err := s.bus.Publish(ctx, model.TopicQuestionnaireCreated, 0, model.QuestionnaireCreatedEvent{QuestionnaireID: q.ID}); err != nil {
		return nil, fmt.Errorf("questionnaire %s stored but not queued: %w", q.ID, err)
	}
	s.log.Info("questionnaire created", zap.String("questionnaire_id", q.ID), zap.String("name", q.Name))
	return q, nil
}

// Get returns the questionnaire with its approved answer count
func (s *QuestionnaireService) Get(ctx context.Context, id string) (*model.Questionnaire, error) {
	q, err := s.questionnaireRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withApprovedCount(ctx, q)
}

// GetByName is the exact-name lookup
func (s *QuestionnaireService) GetByName(ctx context.Context, name string) (*model.Questionnaire, error) {
	q, err := s.questionnaireRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.withApprovedCount(ctx, q)
}

func (s *QuestionnaireService) withApprovedCount(ctx context.Context, q *model.Questionnaire) (*model.Questionnaire, error) {
	if q == nil {
		return nil, model.NewNotFoundError("questionnaire not found")
	}
	n, err := s.answerRepo.CountApproved(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("count approved answers: %w", err)
	}
	q.TotalAnswersApproved = int(n)
	return q, nil
}

// Search lists questionnaires by name prefix; an empty prefix lists everything
func (s *QuestionnaireService) Search(ctx context.Context, prefix, cursor string, limit int) (*model.Page[*model.Questionnaire], error) {
	if size := s.pipeline.PageSize; size > 0 && (limit <= 0 || limit > size) {
		limit = size
	}
	items, next, err := s.questionnaireRepo.SearchByName(ctx, prefix, cursor, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.Questionnaire{}
	}
	return &model.Page[*model.Questionnaire]{Items: items, Next: next}, nil
}

// Delete removes a terminal questionnaire (any state with force), optionally
// cascading to its answer rows
func (s *QuestionnaireService) Delete(ctx context.Context, id string, force, removeAnswers bool) error {
	q, err := s.questionnaireRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if q == nil {
		return model.NewNotFoundError("questionnaire not found")
	}
	if !q.State.IsTerminal() && !force {
		return model.NewInvalidStateError(fmt.Sprintf("questionnaire is %s; only completed or errored questionnaires can be deleted without force", q.State))
	}

	if removeAnswers {
		n, err := s.answerRepo.DeleteByQuestionnaire(ctx, id)
		if err != nil {
			return fmt.Errorf("delete answers: %w", err)
		}
		s.log.Info("deleted questionnaire answers", zap.String("questionnaire_id", id), zap.Int64("count", n))
	}
	if err := s.questionnaireRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("questionnaire deleted", zap.String("questionnaire_id", id), zap.Bool("force", force))
	return nil
}

// Approve stamps approvedAt and approves every owned answer. It returns the number of answers approved.
func (s *QuestionnaireService) Approve(ctx context.Context, id string) (int64, error) {
	q, err := s.questionnaireRepo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if q == nil {
		return 0, model.NewNotFoundError("questionnaire not found")
	}
	if err := s.questionnaireRepo.SetApprovedAt(ctx, id, time.Now().UTC()); err != nil {
		return 0, err
	}
	return s.answerRepo.ApproveForQuestionnaire(ctx, id)
}

// Batches splits questions into order-preserving chunks of size
func Batches(questions []string, size int) [][]string {
	if size <= 0 {
		size = 10
	}
	var out [][]string
	for start := 0; start < len(questions); start += size {
		out = append(out, questions[start:min(start+size, len(questions))])
	}
	return out
}

// transition is the compare-and-set state change plus its side effects
func (s *QuestionnaireService) transition(ctx context.Context, id string, from []model.QuestionnaireState, change model.StateChange) (bool, error) {
	ok, err := s.questionnaireRepo.Transition(ctx, id, from, change)
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", change.To, err)
	}
	if !ok {
		return false, nil
	}
	s.metrics.Transitions.WithLabelValues(string(change.To)).Inc()
	s.log.Info("questionnaire state changed",
		zap.String("questionnaire_id", id),
		zap.String("to", string(change.To)),
		zap.String("error", change.Error),
	)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToQuestionnaire(id, model.MsgStateChanged, map[string]interface{}{
			"questionnaireId": id,
			"state":           change.To,
			"error":           change.Error,
		})
	}
	return true, nil
}

func (s *QuestionnaireService) fail(ctx context.Context, id string, from []model.QuestionnaireState, msg string) error {
	_, err := s.transition(ctx, id, from, model.StateChange{To: model.StateError, Error: msg})
	return err
}

// Fail moves a questionnaire that is still being worked on to ERROR with msg
func (s *QuestionnaireService) Fail(ctx context.Context, id string, msg string) error {
	return s.fail(ctx, id, []model.QuestionnaireState{model.StateProcessing, model.StateAnswering}, msg)
}

// MarkAnswering moves a PROCESSING questionnaire to ANSWERING; any other state is left alone
func (s *QuestionnaireService) MarkAnswering(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, []model.QuestionnaireState{model.StateProcessing}, model.StateChange{To: model.StateAnswering})
	return err
}

// OnCreated extracts questions, creates pending answer rows and fans out answer batches.
// A PROCESSING questionnaire is resumed from its stored questions; an ANSWERING one
// has its still pending questions re-dispatched.
func (s *QuestionnaireService) OnCreated(ctx context.Context, event model.QuestionnaireCreatedEvent) error {
	log := s.log.With(zap.String("questionnaire_id", event.QuestionnaireID))

	q, err := s.questionnaireRepo.GetByID(ctx, event.QuestionnaireID)
	if err != nil {
		return err
	}
	if q == nil {
		log.Warn("questionnaire vanished before processing")
		return nil
	}

	switch {
	case q.State == model.StateLoaded:
		questions, err := s.extractor.Extract(ctx, q.Text)
		if err != nil || len(questions) == 0 {
			msg := "no questions could be extracted from the document"
			if err != nil {
				msg = fmt.Sprintf("question extraction failed: %v", err)
			}
			log.Warn("extraction produced no questions", zap.Error(err))
			return s.fail(ctx, q.ID, []model.QuestionnaireState{model.StateLoaded}, msg)
		}
		ok, err := s.transition(ctx, q.ID, []model.QuestionnaireState{model.StateLoaded},
			model.StateChange{To: model.StateProcessing, Questions: questions})
		if err != nil {
			return err
		}
		if !ok {
			log.Info("questionnaire already claimed by another delivery")
			return nil
		}
		q.Questions = questions
	case q.State == model.StateProcessing && len(q.Questions) > 0:
		log.Info("resuming questionnaire processing")
	case q.State == model.StateAnswering && len(q.Questions) > 0:
		// A failed fan-out leaves batches unpublished; only pending questions are re-dispatched
		if err := s.createPendingAnswers(ctx, q); err != nil {
			return err
		}
		pending, err := s.pendingQuestions(ctx, q)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			log.Debug("created event redelivered with nothing pending")
			return s.CheckCompletion(ctx, q.ID)
		}
		log.Info("re-dispatching pending questions", zap.Int("pending", len(pending)))
		return s.publishBatches(ctx, q.ID, pending)
	default:
		log.Debug("skipping created event", zap.String("state", string(q.State)))
		return nil
	}

	if err := s.createPendingAnswers(ctx, q); err != nil {
		return err
	}
	return s.fanOut(ctx, q)
}

func (s *QuestionnaireService) createPendingAnswers(ctx context.Context, q *model.Questionnaire) error {
	rows := make([]*model.Answer, 0, len(q.Questions))
	for _, question := range q.Questions {
		question = model.NormalizeQuestion(question)
		rows = append(rows, &model.Answer{
			Hash:            model.HashQuestion(question),
			QuestionnaireID: q.ID,
			Question:        question,
		})
	}
	inserted, err := s.answerRepo.UpsertMany(ctx, rows)
	if err != nil {
		return fmt.Errorf("create pending answers: %w", err)
	}
	for _, a := range inserted {
		if a.IsSeed() {
			continue
		}
		if err := s.bus.Publish(ctx, model.TopicAnswerCreated, 0, model.AnswerEvent{Answer: *a}); err != nil {
			return fmt.Errorf("publish answer created: %w", err)
		}
	}
	s.log.Info("pending answers created",
		zap.String("questionnaire_id", q.ID),
		zap.Int("questions", len(rows)),
		zap.Int("inserted", len(inserted)),
	)
	return nil
}

// fanOut moves the questionnaire to ANSWERING and schedules its batches
func (s *QuestionnaireService) fanOut(ctx context.Context, q *model.Questionnaire) error {
	ok, err := s.transition(ctx, q.ID, []model.QuestionnaireState{model.StateProcessing}, model.StateChange{To: model.StateAnswering})
	if err != nil {
		return err
	}
	if !ok {
		// An answer.created handler may have advanced it first
		current, err := s.questionnaireRepo.GetByID(ctx, q.ID)
		if err != nil {
			return err
		}
		if current == nil || current.State != model.StateAnswering {
			s.log.Info("questionnaire left PROCESSING before fan-out", zap.String("questionnaire_id", q.ID))
			return nil
		}
	}

	return s.publishBatches(ctx, q.ID, q.Questions)
}

// publishBatches schedules one batch event per chunk of questions, each delayed
// by its index times the stagger
func (s *QuestionnaireService) publishBatches(ctx context.Context, id string, questions []string) error {
	batches := Batches(questions, s.pipeline.BatchSize)
	for i, batch := range batches {
		event := model.AnswerBatchEvent{
			QuestionnaireID: id,
			BatchIndex:      i,
			TotalBatches:    len(batches),
			Questions:       batch,
		}
		delay := time.Duration(i) * s.pipeline.BatchStagger
		if err := s.bus.Publish(ctx, model.TopicAnswerBatch, delay, event); err != nil {
			return fmt.Errorf("publish batch %d/%d: %w", i+1, len(batches), err)
		}
	}
	s.log.Info("answer batches dispatched", zap.String("questionnaire_id", id), zap.Int("batches", len(batches)))
	return nil
}

// pendingQuestions returns the questions of q whose rows are missing or unanswered, in question order
func (s *QuestionnaireService) pendingQuestions(ctx context.Context, q *model.Questionnaire) ([]string, error) {
	rows, err := s.answerRepo.AllByQuestionnaire(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	answered := make(map[string]bool, len(rows))
	for _, a := range rows {
		if a.IsAnswered() {
			answered[a.Hash] = true
		}
	}
	var pending []string
	seen := make(map[string]bool, len(q.Questions))
	for _, question := range q.Questions {
		question = model.NormalizeQuestion(question)
		hash := model.HashQuestion(question)
		if question == "" || answered[hash] || seen[hash] {
			continue
		}
		seen[hash] = true
		pending = append(pending, question)
	}
	return pending, nil
}

// OnAnswerBatch answers one batch. Only an ANSWERING questionnaire is acted on;
// a generation failure moves it to ERROR without touching other batches.
func (s *QuestionnaireService) OnAnswerBatch(ctx context.Context, event model.AnswerBatchEvent) error {
	log := s.log.With(
		zap.String("questionnaire_id", event.QuestionnaireID),
		zap.Int("batch_index", event.BatchIndex),
		zap.Int("total_batches", event.TotalBatches),
	)

	q, err := s.questionnaireRepo.GetByID(ctx, event.QuestionnaireID)
	if err != nil {
		return err
	}
	if q == nil || q.State != model.StateAnswering {
		log.Info("ignoring batch for questionnaire not answering")
		return nil
	}
	if event.IsLast() {
		s.metrics.LastBatchSeen.Inc()
		log.Info("last batch delivered")
	}

	results, err := s.generator.AnswerBatch(ctx, event.Questions, q.Type, q.CustomerType)
	if err != nil {
		s.metrics.GenerationErrors.WithLabelValues("batch").Inc()
		if !errors.Is(err, model.ErrGeneration) {
			return err
		}
		log.Error("batch generation failed", zap.Error(err))
		return s.fail(ctx, q.ID, []model.QuestionnaireState{model.StateAnswering},
			fmt.Sprintf("answer generation failed for batch %d of %d: %v", event.BatchIndex+1, event.TotalBatches, err))
	}

	var answered []*model.Answer
	var missing []string
	for _, question := range event.Questions {
		question = model.NormalizeQuestion(question)
		if question == "" {
			continue
		}
		text := results[question]
		if text == "" {
			missing = append(missing, question)
			continue
		}
		answered = append(answered, &model.Answer{
			Hash:            model.HashQuestion(question),
			QuestionnaireID: q.ID,
			Question:        question,
			Answer:          text,
		})
	}

	if _, err := s.answerRepo.UpsertMany(ctx, answered); err != nil {
		return fmt.Errorf("persist batch answers: %w", err)
	}
	s.metrics.BatchesCompleted.Inc()
	s.metrics.AnswersGenerated.WithLabelValues("batch").Add(float64(len(answered)))
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToQuestionnaire(q.ID, model.MsgBatchDone, map[string]interface{}{
			"questionnaireId": q.ID,
			"batchIndex":      event.BatchIndex,
			"totalBatches":    event.TotalBatches,
			"answered":        len(answered),
		})
	}

	if err := s.requestGapFills(ctx, q.ID, missing); err != nil {
		return err
	}
	log.Info("batch answered", zap.Int("answered", len(answered)), zap.Int("missing", len(missing)))
	return s.CheckCompletion(ctx, q.ID)
}

// requestGapFills re-dispatches questions the batch response skipped as single answers
func (s *QuestionnaireService) requestGapFills(ctx context.Context, questionnaireID string, questions []string) error {
	for _, question := range questions {
		row, err := s.answerRepo.GetByQuestionnaireAndHash(ctx, questionnaireID, model.HashQuestion(question))
		if err != nil {
			return err
		}
		if row == nil || row.IsAnswered() {
			continue
		}
		if err := s.bus.Publish(ctx, model.TopicAnswerProcess, s.jitter(), model.AnswerEvent{Answer: *row, GapFill: true}); err != nil {
			return fmt.Errorf("publish gap fill: %w", err)
		}
		s.metrics.GapFills.Inc()
	}
	return nil
}

func (s *QuestionnaireService) jitter() time.Duration {
	if s.pipeline.AnswerJitter <= 0 {
		return 0
	}
	return rand.N(s.pipeline.AnswerJitter)
}

// CheckCompletion moves an ANSWERING questionnaire to COMPLETED once every owned
// answer row is filled. It is safe to call from any number of handlers: the
// compare-and-set lets exactly one of them stamp dateCompleted.
func (s *QuestionnaireService) CheckCompletion(ctx context.Context, id string) error {
	total, err := s.answerRepo.CountByQuestionnaire(ctx, id)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	pending, err := s.answerRepo.CountPending(ctx, id)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	now := time.Now().UTC()
	ok, err := s.transition(ctx, id, []model.QuestionnaireState{model.StateAnswering},
		model.StateChange{To: model.StateCompleted, DateCompleted: &now})
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("all answers filled", zap.String("questionnaire_id", id), zap.Int64("answers", total))
	}
	return nil
}
