package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rfiassist/internal/model"
)

// QuestionnaireRepo handles MongoDB operations for questionnaires
type QuestionnaireRepo interface {
	EnsureIndexes(ctx context.Context) error

	Create(ctx context.Context, q *model.Questionnaire) error
	GetByID(ctx context.Context, id string) (*model.Questionnaire, error)
	GetByName(ctx context.Context, name string) (*model.Questionnaire, error)
	// SearchByName returns up to limit questionnaires whose name starts with prefix,
	// ordered by name, starting after cursor. next is empty once the range is exhausted.
	SearchByName(ctx context.Context, prefix, cursor string, limit int) (items []*model.Questionnaire, next string, err error)

	// Transition applies change only if the stored state is one of from.
	// ok is false when another writer moved the row first.
	Transition(ctx context.Context, id string, from []model.QuestionnaireState, change model.StateChange) (ok bool, err error)
	SetApprovedAt(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type questionnaireRepo struct {
	collection *mongo.Collection
}

// NewQuestionnaireRepo creates a new questionnaire repository
func NewQuestionnaireRepo(db *mongo.Database) QuestionnaireRepo {
	return &questionnaireRepo{
		collection: db.Collection("questionnaires"),
	}
}

func (r *questionnaireRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "state", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("questionnaire indexes: %w", err)
	}
	return nil
}

func (r *questionnaireRepo) Create(ctx context.Context, q *model.Questionnaire) error {
	_, err := r.collection.InsertOne(ctx, q)
	if mongo.IsDuplicateKeyError(err) {
		return model.NewValidationError(fmt.Sprintf("questionnaire name %q is already in use", q.Name))
	}
	return err
}

func (r *questionnaireRepo) GetByID(ctx context.Context, id string) (*model.Questionnaire, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *questionnaireRepo) GetByName(ctx context.Context, name string) (*model.Questionnaire, error) {
	return r.findOne(ctx, bson.M{"name": name})
}

func (r *questionnaireRepo) findOne(ctx context.Context, filter bson.M) (*model.Questionnaire, error) {
	var q model.Questionnaire
	err := r.collection.FindOne(ctx, filter).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *questionnaireRepo) SearchByName(ctx context.Context, prefix, cursor string, limit int) ([]*model.Questionnaire, string, error) {
	name := bson.M{}
	if prefix != "" {
		name["$regex"] = "^" + regexp.QuoteMeta(prefix)
	}
	if cursor != "" {
		name["$gt"] = cursor
	}
	filter := bson.M{}
	if len(name) > 0 {
		filter["name"] = name
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}}).
		SetProjection(bson.M{"text": 0}) // Listing never needs the document body
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	defer cur.Close(ctx)

	var items []*model.Questionnaire
	if err := cur.All(ctx, &items); err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(items) == limit {
		next = items[len(items)-1].Name
	}
	return items, next, nil
}

func (r *questionnaireRepo) Transition(ctx context.Context, id string, from []model.QuestionnaireState, change model.StateChange) (bool, error) {
	set := bson.M{"state": change.To}
	if change.Error != "" {
		set["error"] = change.Error
	}
	if change.Questions != nil {
		set["questions"] = change.Questions
	}
	if change.DateCompleted != nil {
		set["dateCompleted"] = *change.DateCompleted
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "state": bson.M{"$in": from}},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *questionnaireRepo) SetApprovedAt(ctx context.Context, id string, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"approvedAt": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return model.NewNotFoundError("questionnaire not found")
	}
	return nil
}

func (r *questionnaireRepo) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
