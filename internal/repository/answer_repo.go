package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rfiassist/internal/model"
)

// MaxWriteBatch caps the number of rows sent in one bulk write
const MaxWriteBatch = 25

// AnswerRepo handles MongoDB operations for answer rows.
// Rows are unique per (questionnaireId, hash); seed rows use an empty questionnaire id.
type AnswerRepo interface {
	EnsureIndexes(ctx context.Context) error

	// Upsert inserts the row or, when one exists for the same questionnaire and hash,
	// sets its answer if a is answered. inserted reports a new row.
	Upsert(ctx context.Context, a *model.Answer) (inserted bool, err error)
	// UpsertMany is Upsert in chunks of MaxWriteBatch. It returns the rows that were newly inserted.
	UpsertMany(ctx context.Context, answers []*model.Answer) (inserted []*model.Answer, err error)

	GetByUUID(ctx context.Context, uuid string) (*model.Answer, error)
	// GetByHash returns an answered row for hash, preferring approved rows
	GetByHash(ctx context.Context, hash string) (*model.Answer, error)
	GetByQuestionnaireAndHash(ctx context.Context, questionnaireID, hash string) (*model.Answer, error)
	ListByQuestionnaire(ctx context.Context, questionnaireID, cursor string, limit int) (items []*model.Answer, next string, err error)
	AllByQuestionnaire(ctx context.Context, questionnaireID string) ([]*model.Answer, error)

	CountByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error)
	CountPending(ctx context.Context, questionnaireID string) (int64, error)
	CountApproved(ctx context.Context, questionnaireID string) (int64, error)

	// Update overwrites the stored row (last write wins)
	Update(ctx context.Context, a *model.Answer) error
	ApproveForQuestionnaire(ctx context.Context, questionnaireID string) (int64, error)
	DeleteByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error)
}

type answerRepo struct {
	collection *mongo.Collection
	pageSize   int
}

// NewAnswerRepo creates a new answer repository
func NewAnswerRepo(db *mongo.Database, pageSize int) AnswerRepo {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &answerRepo{
		collection: db.Collection("answers"),
		pageSize:   pageSize,
	}
}

func (r *answerRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "questionnaireId", Value: 1}, {Key: "hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "hash", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("answer indexes: %w", err)
	}
	return nil
}

func upsertFilter(a *model.Answer) bson.M {
	return bson.M{"questionnaireId": a.QuestionnaireID, "hash": a.Hash}
}

// upsertUpdate only sets approval on insert. A pending row never clears an existing answer.
func upsertUpdate(a *model.Answer) bson.M {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	onInsert := bson.M{"_id": a.UUID, "question": a.Question}
	if a.Approval != model.ApprovalUnset {
		onInsert["approval"] = a.Approval
	}
	update := bson.M{"$setOnInsert": onInsert}
	if a.IsAnswered() {
		update["$set"] = bson.M{"answer": a.Answer}
	}
	return update
}

func (r *answerRepo) Upsert(ctx context.Context, a *model.Answer) (bool, error) {
	opts := options.Update().SetUpsert(true)
	res, err := r.collection.UpdateOne(ctx, upsertFilter(a), upsertUpdate(a), opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two concurrent upserts raced on the unique index; the loser now matches
		res, err = r.collection.UpdateOne(ctx, upsertFilter(a), upsertUpdate(a), opts)
	}
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (r *answerRepo) UpsertMany(ctx context.Context, answers []*model.Answer) ([]*model.Answer, error) {
	var inserted []*model.Answer
	for start := 0; start < len(answers); start += MaxWriteBatch {
		end := min(start+MaxWriteBatch, len(answers))
		chunk := answers[start:end]

		models := make([]mongo.WriteModel, 0, len(chunk))
		for _, a := range chunk {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(upsertFilter(a)).
				SetUpdate(upsertUpdate(a)).
				SetUpsert(true))
		}

		res, err := r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if mongo.IsDuplicateKeyError(err) {
			res, err = r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		}
		if err != nil {
			return inserted, fmt.Errorf("bulk upsert answers [%d:%d]: %w", start, end, err)
		}
		for idx := range res.UpsertedIDs {
			if int(idx) < len(chunk) {
				inserted = append(inserted, chunk[idx])
			}
		}
	}
	return inserted, nil
}

func (r *answerRepo) GetByUUID(ctx context.Context, id string) (*model.Answer, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *answerRepo) GetByHash(ctx context.Context, hash string) (*model.Answer, error) {
	// Approved rows sort ahead of unreviewed ones
	filter := bson.M{
		"hash":     hash,
		"answer":   bson.M{"$exists": true, "$ne": ""},
		"approval": bson.M{"$ne": model.ApprovalRejected},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "approval", Value: -1}})
	var a model.Answer
	err := r.collection.FindOne(ctx, filter, opts).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *answerRepo) GetByQuestionnaireAndHash(ctx context.Context, questionnaireID, hash string) (*model.Answer, error) {
	cur, err := r.collection.Find(ctx,
		bson.M{"questionnaireId": questionnaireID, "hash": hash},
		options.Find().SetLimit(2),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []*model.Answer
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	}
	return nil, model.NewDataIntegrityError(fmt.Sprintf("questionnaire %s has more than one answer with hash %s", questionnaireID, hash))
}

func (r *answerRepo) findOne(ctx context.Context, filter bson.M) (*model.Answer, error) {
	var a model.Answer
	err := r.collection.FindOne(ctx, filter).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *answerRepo) ListByQuestionnaire(ctx context.Context, questionnaireID, cursor string, limit int) ([]*model.Answer, string, error) {
	if limit <= 0 {
		limit = r.pageSize
	}
	filter := bson.M{"questionnaireId": questionnaireID}
	if cursor != "" {
		filter["_id"] = bson.M{"$gt": cursor}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	defer cur.Close(ctx)

	var items []*model.Answer
	if err := cur.All(ctx, &items); err != nil {
		return nil, "", err
	}

	next := ""
	if len(items) == limit {
		next = items[len(items)-1].UUID
	}
	return items, next, nil
}

// AllByQuestionnaire follows ListByQuestionnaire cursors until exhausted
func (r *answerRepo) AllByQuestionnaire(ctx context.Context, questionnaireID string) ([]*model.Answer, error) {
	var all []*model.Answer
	cursor := ""
	for {
		page, next, err := r.ListByQuestionnaire(ctx, questionnaireID, cursor, r.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func (r *answerRepo) CountByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"questionnaireId": questionnaireID})
}

func (r *answerRepo) CountPending(ctx context.Context, questionnaireID string) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{
		"questionnaireId": questionnaireID,
		"$or": bson.A{
			bson.M{"answer": bson.M{"$exists": false}},
			bson.M{"answer": ""},
		},
	})
}

func (r *answerRepo) CountApproved(ctx context.Context, questionnaireID string) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{
		"questionnaireId": questionnaireID,
		"approval":        model.ApprovalApproved,
	})
}

func (r *answerRepo) Update(ctx context.Context, a *model.Answer) error {
	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": a.UUID}, a)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return model.NewNotFoundError("answer not found")
	}
	return nil
}

func (r *answerRepo) ApproveForQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"questionnaireId": questionnaireID},
		bson.M{"$set": bson.M{"approval": model.ApprovalApproved}},
	)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (r *answerRepo) DeleteByQuestionnaire(ctx context.Context, questionnaireID string) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"questionnaireId": questionnaireID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
