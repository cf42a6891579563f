package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"codeclash/internal/model"
)

type ProblemRepo interface {
	Create(ctx context.Context, problem *model.Problem) error
	GetByID(ctx context.Context, id string) (*model.Problem, error)
	GetByDifficulty(ctx context.Context, difficulty string) ([]*model.Problem, error)
}

type problemRepo struct {
	collection *mongo.Collection
}

func NewProblemRepo(db *mongo.Database) ProblemRepo {
	return &problemRepo{collection: db.Collection("problems")}
}

func (r *problemRepo) Create(ctx context.Context, problem *model.Problem) error {
	_, err := r.collection.InsertOne(ctx, problem)
	return err
}

func (r *problemRepo) GetByID(ctx context.Context, id string) (*model.Problem, error) {
	var problem model.Problem
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&problem)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &problem, nil
}

func (r *problemRepo) GetByDifficulty(ctx context.Context, difficulty string) ([]*model.Problem, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"difficulty": difficulty})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var problems []*model.Problem
	if err = cursor.All(ctx, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}
