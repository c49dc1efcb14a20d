// Package store defines the document-store collaborator the core mutates
// durable state through, plus its MongoDB and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/utils"
)

var (
	// ErrorConversationNotFound is returned when the referenced conversation does not exist
	ErrorConversationNotFound = utils.NewNotFoundError("STORE_CONVERSATION_NOT_FOUND", "conversation not found")
	// ErrorUserNotFound is returned when the referenced user does not exist
	ErrorUserNotFound = utils.NewNotFoundError("STORE_USER_NOT_FOUND", "user not found")
	// ErrorFileNotFound is returned when the referenced encrypted file does not exist
	ErrorFileNotFound = utils.NewNotFoundError("STORE_FILE_NOT_FOUND", "encrypted file not found")
	// ErrorMessageNotFound is returned when the referenced message does not exist
	ErrorMessageNotFound = utils.NewNotFoundError("STORE_MESSAGE_NOT_FOUND", "message not found")
	// ErrorCallNotFound is returned when the referenced call does not exist
	ErrorCallNotFound = utils.NewNotFoundError("STORE_CALL_NOT_FOUND", "call not found")
	// ErrorNotificationNotFound is returned when the referenced notification does not exist
	ErrorNotificationNotFound = utils.NewNotFoundError("STORE_NOTIFICATION_NOT_FOUND", "notification not found")
)

// Store is the durable-state collaborator. Implementations must return the
// package sentinel errors above for absent entities, so callers can map them
// to the NotFound taxonomy without knowing the backend.
type Store interface {
	FindConversation(ctx context.Context, id string) (*common_models.Conversation, error)
	// FindConversationParticipants resolves the durable participant list of a
	// conversation. This is the source of truth for delivery, not room
	// membership.
	FindConversationParticipants(ctx context.Context, id string) ([]string, error)
	FindUserProfile(ctx context.Context, id string) (*common_models.UserProfile, error)

	CreateEncryptedFile(ctx context.Context, file *common_models.EncryptedFile) error
	FindEncryptedFile(ctx context.Context, id string) (*common_models.EncryptedFile, error)
	DeleteEncryptedFile(ctx context.Context, id string) error
	// FindMessageByAttachment locates the message referencing an encrypted
	// file, for authorization lookups.
	FindMessageByAttachment(ctx context.Context, fileId string) (*common_models.Message, error)

	CreateMessage(ctx context.Context, message *common_models.Message) error
	UpdateMessageContent(ctx context.Context, id string, content string, updatedAt time.Time) error
	// FindCallLogMessage looks for an existing call-log message tagged with
	// callId in the conversation, so racing finalizers update it in place.
	FindCallLogMessage(ctx context.Context, conversationId string, callId string) (*common_models.Message, error)

	CreateCall(ctx context.Context, call *common_models.Call) error
	FindCall(ctx context.Context, id string) (*common_models.Call, error)
	UpdateCall(ctx context.Context, call *common_models.Call) error

	CreateNotification(ctx context.Context, notification *common_models.Notification) error
	MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error
	FindUndeliveredNotifications(ctx context.Context, recipientId string) ([]common_models.Notification, error)
}
