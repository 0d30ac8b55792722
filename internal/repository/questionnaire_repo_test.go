package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"rfiassist/internal/model"
)

func questionnaireDoc(id, name string, state model.QuestionnaireState) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "name", Value: name},
		{Key: "type", Value: string(model.TypeRFP)},
		{Key: "customerType", Value: string(model.CustomerOther)},
		{Key: "state", Value: string(state)},
		{Key: "dateCreated", Value: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
}

func TestQuestionnaireRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("get by id decodes row", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.questionnaires", mtest.FirstBatch,
			questionnaireDoc("q1", "Acme RFP", model.StateAnswering)))

		q, err := repo.GetByID(ctx, "q1")
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.Equal(t, "Acme RFP", q.Name)
		assert.Equal(t, model.StateAnswering, q.State)
		assert.Nil(t, q.DateCompleted)
	})

	mt.Run("missing row is nil without error", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.questionnaires", mtest.FirstBatch))

		q, err := repo.GetByName(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, q)
	})

	mt.Run("duplicate name is a validation error", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		err := repo.Create(ctx, &model.Questionnaire{ID: "q1", Name: "Acme RFP"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrValidation))
	})

	mt.Run("transition reports a lost compare and set", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		ok, err := repo.Transition(ctx, "q1",
			[]model.QuestionnaireState{model.StateAnswering},
			model.StateChange{To: model.StateCompleted})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	mt.Run("transition applies when state matches", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		now := time.Now()
		ok, err := repo.Transition(ctx, "q1",
			[]model.QuestionnaireState{model.StateAnswering},
			model.StateChange{To: model.StateCompleted, DateCompleted: &now})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	mt.Run("search returns a cursor on a full page", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.questionnaires", mtest.FirstBatch,
			questionnaireDoc("q1", "Acme 1", model.StateCompleted),
			questionnaireDoc("q2", "Acme 2", model.StateLoaded),
		))

		items, next, err := repo.SearchByName(ctx, "Acme", "", 2)
		require.NoError(t, err)
		assert.Len(t, items, 2)
		assert.Equal(t, "Acme 2", next)
	})

	mt.Run("search ends on a short page", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.questionnaires", mtest.FirstBatch,
			questionnaireDoc("q3", "Acme 3", model.StateCompleted),
		))

		items, next, err := repo.SearchByName(ctx, "Acme", "Acme 2", 2)
		require.NoError(t, err)
		assert.Len(t, items, 1)
		assert.Empty(t, next)
	})

	mt.Run("approve stamp on a missing row", func(mt *mtest.T) {
		repo := NewQuestionnaireRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := repo.SetApprovedAt(ctx, "gone", time.Now())
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})
}
