package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/creatorly/chat-service/pkg/models"
)

var ErrNotFound = errors.New("not found")

func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// MessageRepository is the durable message log. Ids are ObjectID hex assigned
// here, never by callers, so they sort by creation time within a chat.
type MessageRepository struct {
	coll *mongo.Collection
}

func NewMessageRepository(coll *mongo.Collection) *MessageRepository {
	ix := mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("chat_created_idx"),
	}
	_, _ = coll.Indexes().CreateOne(context.Background(), ix)
	return &MessageRepository{coll: coll}
}

func (r *MessageRepository) Insert(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = primitive.NewObjectID().Hex()
	}
	_, err := r.coll.InsertOne(ctx, m)
	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// List returns up to limit messages for a chat, oldest first, optionally
// only those created before the given time (history paging).
func (r *MessageRepository) List(ctx context.Context, chatID string, limit int64, before time.Time) ([]*models.Message, error) {
	filter := bson.M{"chat_id": chatID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*models.Message{}
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// stored newest-first; callers want chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *MessageRepository) Edit(ctx context.Context, id, content string) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"content": content, "edited": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ChatRepository holds conversations and their rosters. The roster is the
// authorization source for both the REST member listing and the registry's
// join-time re-check.
type ChatRepository struct {
	coll *mongo.Collection
}

func NewChatRepository(coll *mongo.Collection) *ChatRepository {
	ix := mongo.IndexModel{
		Keys:    bson.D{{Key: "participants", Value: 1}},
		Options: options.Index().SetName("participants_idx"),
	}
	_, _ = coll.Indexes().CreateOne(context.Background(), ix)
	return &ChatRepository{coll: coll}
}

func (r *ChatRepository) Get(ctx context.Context, chatID string) (*models.Chat, error) {
	var c models.Chat
	if err := r.coll.FindOne(ctx, bson.M{"_id": chatID}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// IsMember reports whether userID is on the chat's roster. A missing chat is
// simply not a membership, not an error.
func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	err := r.coll.FindOne(ctx, bson.M{"_id": chatID, "participants": userID},
		options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
