package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rfiassist/internal/llm"
	"rfiassist/internal/model"
)

// fakeQuestionnaireRepo is an in-memory QuestionnaireRepo with compare-and-set transitions
type fakeQuestionnaireRepo struct {
	mu   sync.Mutex
	rows map[string]model.Questionnaire
}

func newFakeQuestionnaireRepo() *fakeQuestionnaireRepo {
	return &fakeQuestionnaireRepo{rows: make(map[string]model.Questionnaire)}
}

func (f *fakeQuestionnaireRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (f *fakeQuestionnaireRepo) Create(ctx context.Context, q *model.Questionnaire) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Name == q.Name {
			return model.NewValidationError("duplicate name")
		}
	}
	f.rows[q.ID] = *q
	return nil
}

func (f *fakeQuestionnaireRepo) GetByID(ctx context.Context, id string) (*model.Questionnaire, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeQuestionnaireRepo) GetByName(ctx context.Context, name string) (*model.Questionnaire, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Name == name {
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeQuestionnaireRepo) SearchByName(ctx context.Context, prefix, cursor string, limit int) ([]*model.Questionnaire, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []*model.Questionnaire
	for _, row := range f.rows {
		if strings.HasPrefix(row.Name, prefix) && row.Name > cursor {
			r := row
			items = append(items, &r)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		return items, items[limit-1].Name, nil
	}
	return items, "", nil
}

func (f *fakeQuestionnaireRepo) Transition(ctx context.Context, id string, from []model.QuestionnaireState, change model.StateChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if row.State == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	row.State = change.To
	if change.Error != "" {
		row.Error = change.Error
	}
	if change.Questions != nil {
		row.Questions = change.Questions
	}
	if change.DateCompleted != nil {
		row.DateCompleted = change.DateCompleted
	}
	f.rows[id] = row
	return true, nil
}

func (f *fakeQuestionnaireRepo) SetApprovedAt(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return model.NewNotFoundError("questionnaire not found")
	}
	row.ApprovedAt = &at
	f.rows[id] = row
	return nil
}

func (f *fakeQuestionnaireRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

// put stores a row directly, bypassing validation
func (f *fakeQuestionnaireRepo) put(q model.Questionnaire) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[q.ID] = q
}

// fakeAnswerRepo is an in-memory AnswerRepo keyed by uuid, unique per (questionnaireId, hash)
type fakeAnswerRepo struct {
	mu   sync.Mutex
	rows map[string]model.Answer
}

func newFakeAnswerRepo() *fakeAnswerRepo {
	return &fakeAnswerRepo{rows: make(map[string]model.Answer)}
}

func (f *fakeAnswerRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (f *fakeAnswerRepo) upsertLocked(a *model.Answer) bool {
	for id, row := range f.rows {
		if row.QuestionnaireID == a.QuestionnaireID && row.Hash == a.Hash {
			if a.IsAnswered() {
				row.Answer = a.Answer
				f.rows[id] = row
			}
			return false
		}
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	f.rows[a.UUID] = *a
	return true
}

func (f *fakeAnswerRepo) Upsert(ctx context.Context, a *model.Answer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertLocked(a), nil
}

func (f *fakeAnswerRepo) UpsertMany(ctx context.Context, answers []*model.Answer) ([]*model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted []*model.Answer
	for _, a := range answers {
		if f.upsertLocked(a) {
			inserted = append(inserted, a)
		}
	}
	return inserted, nil
}

func (f *fakeAnswerRepo) GetByUUID(ctx context.Context, id string) (*model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeAnswerRepo) GetByHash(ctx context.Context, hash string) (*model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Answer
	for _, row := range f.rows {
		if row.Hash != hash || !row.IsAnswered() || row.Approval == model.ApprovalRejected {
			continue
		}
		if best == nil || row.IsApproved() {
			r := row
			best = &r
		}
	}
	return best, nil
}

func (f *fakeAnswerRepo) GetByQuestionnaireAndHash(ctx context.Context, questionnaireID, hash string) (*model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []model.Answer
	for _, row := range f.rows {
		if row.QuestionnaireID == questionnaireID && row.Hash == hash {
			found = append(found, row)
		}
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	}
	return nil, model.NewDataIntegrityError("duplicate hash")
}

func (f *fakeAnswerRepo) owned(questionnaireID string) []*model.Answer {
	var out []*model.Answer
	for _, row := range f.rows {
		if row.QuestionnaireID == questionnaireID {
			r := row
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (f *fakeAnswerRepo) ListByQuestionnaire(ctx context.Context, questionnaireID, cursor string, limit int) ([]*model.Answer, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []*model.Answer
	for _, a := range f.owned(questionnaireID) {
		if a.UUID > cursor {
			items = append(items, a)
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		return items, items[limit-1].UUID, nil
	}
	return items, "", nil
}

func (f *fakeAnswerRepo) AllByQuestionnaire(ctx context.Context, questionnaireID string) ([]*model.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned(questionnaireID), nil
}

func (f *fakeAnswerRepo) CountByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.owned(questionnaireID))), nil
}

func (f *fakeAnswerRepo) CountPending(ctx context.Context, questionnaireID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.owned(questionnaireID) {
		if a.Answer == "" {
			n++
		}
	}
	return n, nil
}

func (f *fakeAnswerRepo) CountApproved(ctx context.Context, questionnaireID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.owned(questionnaireID) {
		if a.IsApproved() {
			n++
		}
	}
	return n, nil
}

func (f *fakeAnswerRepo) Update(ctx context.Context, a *model.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[a.UUID]; !ok {
		return model.NewNotFoundError("answer not found")
	}
	f.rows[a.UUID] = *a
	return nil
}

func (f *fakeAnswerRepo) ApproveForQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, row := range f.rows {
		if row.QuestionnaireID == questionnaireID {
			row.Approval = model.ApprovalApproved
			f.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (f *fakeAnswerRepo) DeleteByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, row := range f.rows {
		if row.QuestionnaireID == questionnaireID {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

// snapshot returns a questionnaire's rows keyed by hash
func (f *fakeAnswerRepo) snapshot(questionnaireID string) map[string]model.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.Answer)
	for _, a := range f.owned(questionnaireID) {
		out[a.Hash] = *a
	}
	return out
}

type published struct {
	topic   string
	after   time.Duration
	payload []byte
}

// recordingBus captures every event instead of delivering it
type recordingBus struct {
	mu       sync.Mutex
	events   []published
	err      error
	failOnce map[string]int // topic -> zero-based publish attempt that fails, once
	attempts map[string]int
}

func (b *recordingBus) Publish(ctx context.Context, topic string, after time.Duration, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.attempts == nil {
		b.attempts = make(map[string]int)
	}
	attempt := b.attempts[topic]
	b.attempts[topic]++
	if n, ok := b.failOnce[topic]; ok && n == attempt {
		delete(b.failOnce, topic)
		return errors.New("stream unavailable")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.events = append(b.events, published{topic: topic, after: after, payload: data})
	return nil
}

func (b *recordingBus) byTopic(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, e := range b.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](p published) T {
	var v T
	if err := json.Unmarshal(p.payload, &v); err != nil {
		panic(err)
	}
	return v
}

// stubExtractor returns fixed questions
type stubExtractor struct {
	questions []string
	err       error
}

func (s *stubExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	return s.questions, s.err
}

// stubGenerator answers every question with "A: <question>" unless scripted otherwise
type stubGenerator struct {
	mu        sync.Mutex
	batchErr  error
	skip      map[string]bool // Questions left out of batch responses
	empty     bool            // AnswerBatch returns an empty mapping
	single    string
	singleErr error
	calls     int
}

func (g *stubGenerator) Answer(ctx context.Context, question string, qType model.QuestionnaireType, cType model.CustomerType) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.singleErr != nil {
		return "", g.singleErr
	}
	if g.single != "" {
		return g.single, nil
	}
	return "A: " + question, nil
}

func (g *stubGenerator) AnswerBatch(ctx context.Context, questions []string, qType model.QuestionnaireType, cType model.CustomerType) (map[string]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.batchErr != nil {
		return nil, g.batchErr
	}
	out := make(map[string]string)
	if g.empty {
		return out, nil
	}
	for _, q := range questions {
		q = model.NormalizeQuestion(q)
		if !g.skip[q] {
			out[q] = "A: " + q
		}
	}
	return out, nil
}

// scriptedModel returns canned responses in order and records requests
type scriptedModel struct {
	responses []string
	err       error
	requests  []llm.Request
}

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "", nil
	}
	out := m.responses[0]
	m.responses = m.responses[1:]
	return out, nil
}

// recordingBroadcaster captures websocket messages
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []string
}

func (b *recordingBroadcaster) BroadcastToQuestionnaire(questionnaireID string, msgType string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msgType)
}
