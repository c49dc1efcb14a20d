package store

import (
	"context"
	"errors"
	"time"

	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the production Store implementation, one collection per
// record type.
type MongoStore struct {
	conversations *mongo.Collection
	users         *mongo.Collection
	messages      *mongo.Collection
	files         *mongo.Collection
	calls         *mongo.Collection
	notifications *mongo.Collection
}

// NewMongoStore connects to uri and pings the server before returning.
func NewMongoStore(ctx context.Context, uri string, databaseName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	database := client.Database(databaseName)
	return &MongoStore{
		conversations: database.Collection("conversations"),
		users:         database.Collection("users"),
		messages:      database.Collection("messages"),
		files:         database.Collection("encrypted_files"),
		calls:         database.Collection("calls"),
		notifications: database.Collection("notifications"),
	}, nil
}

func findOne[T any](ctx context.Context, collection *mongo.Collection, filter bson.M, notFound error) (*T, error) {
	var result T
	err := collection.FindOne(ctx, filter).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, tracerr.Wrap(notFound)
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &result, nil
}

func (s *MongoStore) FindConversation(ctx context.Context, id string) (*common_models.Conversation, error) {
	return findOne[common_models.Conversation](ctx, s.conversations, bson.M{"_id": id}, ErrorConversationNotFound)
}

func (s *MongoStore) FindConversationParticipants(ctx context.Context, id string) ([]string, error) {
	conversation, err := s.FindConversation(ctx, id)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return conversation.ParticipantIds, nil
}

func (s *MongoStore) FindUserProfile(ctx context.Context, id string) (*common_models.UserProfile, error) {
	return findOne[common_models.UserProfile](ctx, s.users, bson.M{"_id": id}, ErrorUserNotFound)
}

func (s *MongoStore) CreateEncryptedFile(ctx context.Context, file *common_models.EncryptedFile) error {
	_, err := s.files.InsertOne(ctx, file)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (s *MongoStore) FindEncryptedFile(ctx context.Context, id string) (*common_models.EncryptedFile, error) {
	return findOne[common_models.EncryptedFile](ctx, s.files, bson.M{"_id": id}, ErrorFileNotFound)
}

func (s *MongoStore) DeleteEncryptedFile(ctx context.Context, id string) error {
	_, err := s.files.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (s *MongoStore) FindMessageByAttachment(ctx context.Context, fileId string) (*common_models.Message, error) {
	return findOne[common_models.Message](ctx, s.messages, bson.M{"attachment_id": fileId}, ErrorMessageNotFound)
}

func (s *MongoStore) CreateMessage(ctx context.Context, message *common_models.Message) error {
	_, err := s.messages.InsertOne(ctx, message)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (s *MongoStore) UpdateMessageContent(ctx context.Context, id string, content string, updatedAt time.Time) error {
	result, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"content": content, "updated_at": updatedAt}})
	if err != nil {
		return tracerr.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return tracerr.Wrap(ErrorMessageNotFound)
	}
	return nil
}

func (s *MongoStore) FindCallLogMessage(ctx context.Context, conversationId string, callId string) (*common_models.Message, error) {
	return findOne[common_models.Message](ctx, s.messages, bson.M{"conversation_id": conversationId, "call_id": callId, "type": common_models.MessageTypeCallLog}, ErrorMessageNotFound)
}

func (s *MongoStore) CreateCall(ctx context.Context, call *common_models.Call) error {
	_, err := s.calls.InsertOne(ctx, call)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (s *MongoStore) FindCall(ctx context.Context, id string) (*common_models.Call, error) {
	return findOne[common_models.Call](ctx, s.calls, bson.M{"_id": id}, ErrorCallNotFound)
}

func (s *MongoStore) UpdateCall(ctx context.Context, call *common_models.Call) error {
	result, err := s.calls.ReplaceOne(ctx, bson.M{"_id": call.Id}, call)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return tracerr.Wrap(ErrorCallNotFound)
	}
	return nil
}

func (s *MongoStore) CreateNotification(ctx context.Context, notification *common_models.Notification) error {
	_, err := s.notifications.InsertOne(ctx, notification)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (s *MongoStore) MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"delivered": true, "delivered_at": at}})
	if err != nil {
		return tracerr.Wrap(err)
	}
	if result.MatchedCount == 0 {
		return tracerr.Wrap(ErrorNotificationNotFound)
	}
	return nil
}

func (s *MongoStore) FindUndeliveredNotifications(ctx context.Context, recipientId string) ([]common_models.Notification, error) {
	cursor, err := s.notifications.Find(ctx, bson.M{"recipient_id": recipientId, "delivered": false}, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var notifications []common_models.Notification
	err = cursor.All(ctx, &notifications)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return notifications, nil
}
