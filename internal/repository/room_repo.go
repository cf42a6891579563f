package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"codeclash/internal/model"
)

type RoomRepo interface {
	Create(ctx context.Context, room *model.Room) error
	GetByID(ctx context.Context, id string) (*model.Room, error)
	GetByCode(ctx context.Context, code string) (*model.Room, error)
	Update(ctx context.Context, room *model.Room) error
	UpsertParticipant(ctx context.Context, roomID string, p model.Participant) error
	SetParticipantActive(ctx context.Context, roomID, participantID string, active bool) error
	SetActive(ctx context.Context, roomID string, active bool) error
}

type roomRepo struct {
	collection *mongo.Collection
}

func NewRoomRepo(db *mongo.Database) RoomRepo {
	return &roomRepo{collection: db.Collection("rooms")}
}

func (r *roomRepo) Create(ctx context.Context, room *model.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := r.collection.InsertOne(ctx, room)
	return err
}

func (r *roomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (r *roomRepo) GetByCode(ctx context.Context, code string) (*model.Room, error) {
	var room model.Room
	err := r.collection.FindOne(ctx, bson.M{"code": code}).Decode(&room)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (r *roomRepo) Update(ctx context.Context, room *model.Room) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": room.ID}, room)
	return err
}

// UpsertParticipant replaces the participant entry if present, otherwise
// appends it.
func (r *roomRepo) UpsertParticipant(ctx context.Context, roomID string, p model.Participant) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": roomID, "participants.id": p.ID},
		bson.M{"$set": bson.M{"participants.$": p}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$push": bson.M{"participants": p}},
	)
	return err
}

func (r *roomRepo) SetParticipantActive(ctx context.Context, roomID, participantID string, active bool) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": roomID, "participants.id": participantID},
		bson.M{"$set": bson.M{
			"participants.$.isActive": active,
			"participants.$.lastSeen": time.Now(),
		}},
	)
	return err
}

func (r *roomRepo) SetActive(ctx context.Context, roomID string, active bool) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"isActive": active}},
	)
	return err
}
