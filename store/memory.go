package store

import (
	"context"
	"sync"
	"time"

	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/ztrue/tracerr"
)

// MemoryStore is an implementation of Store which keeps everything in memory.
// Used by tests and single-node development setups.
type MemoryStore struct {
	lock          sync.RWMutex
	conversations map[string]common_models.Conversation
	users         map[string]common_models.UserProfile
	messages      map[string]common_models.Message
	files         map[string]common_models.EncryptedFile
	calls         map[string]common_models.Call
	notifications map[string]common_models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]common_models.Conversation),
		users:         make(map[string]common_models.UserProfile),
		messages:      make(map[string]common_models.Message),
		files:         make(map[string]common_models.EncryptedFile),
		calls:         make(map[string]common_models.Call),
		notifications: make(map[string]common_models.Notification),
	}
}

// AddConversation seeds a conversation. Test helper.
func (s *MemoryStore) AddConversation(conversation common_models.Conversation) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.conversations[conversation.Id] = conversation
}

// AddUserProfile seeds a user profile. Test helper.
func (s *MemoryStore) AddUserProfile(profile common_models.UserProfile) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.users[profile.Id] = profile
}

func (s *MemoryStore) FindConversation(_ context.Context, id string) (*common_models.Conversation, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return nil, tracerr.Wrap(ErrorConversationNotFound.AddDetails(id))
	}
	return &conversation, nil
}

func (s *MemoryStore) FindConversationParticipants(ctx context.Context, id string) ([]string, error) {
	conversation, err := s.FindConversation(ctx, id)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return conversation.ParticipantIds, nil
}

func (s *MemoryStore) FindUserProfile(_ context.Context, id string) (*common_models.UserProfile, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	profile, ok := s.users[id]
	if !ok {
		return nil, tracerr.Wrap(ErrorUserNotFound.AddDetails(id))
	}
	return &profile, nil
}

func (s *MemoryStore) CreateEncryptedFile(_ context.Context, file *common_models.EncryptedFile) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.files[file.Id] = *file
	return nil
}

func (s *MemoryStore) FindEncryptedFile(_ context.Context, id string) (*common_models.EncryptedFile, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	file, ok := s.files[id]
	if !ok {
		return nil, tracerr.Wrap(ErrorFileNotFound.AddDetails(id))
	}
	return &file, nil
}

func (s *MemoryStore) DeleteEncryptedFile(_ context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) FindMessageByAttachment(_ context.Context, fileId string) (*common_models.Message, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, message := range s.messages {
		if message.AttachmentId == fileId {
			return &message, nil
		}
	}
	return nil, tracerr.Wrap(ErrorMessageNotFound)
}

func (s *MemoryStore) CreateMessage(_ context.Context, message *common_models.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.messages[message.Id] = *message
	return nil
}

func (s *MemoryStore) UpdateMessageContent(_ context.Context, id string, content string, updatedAt time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return tracerr.Wrap(ErrorMessageNotFound.AddDetails(id))
	}
	message.Content = content
	message.UpdatedAt = updatedAt
	s.messages[id] = message
	return nil
}

func (s *MemoryStore) FindCallLogMessage(_ context.Context, conversationId string, callId string) (*common_models.Message, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, message := range s.messages {
		if message.ConversationId == conversationId && message.CallId == callId && message.Type == common_models.MessageTypeCallLog {
			return &message, nil
		}
	}
	return nil, tracerr.Wrap(ErrorMessageNotFound)
}

func (s *MemoryStore) CreateCall(_ context.Context, call *common_models.Call) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls[call.Id] = *call
	return nil
}

func (s *MemoryStore) FindCall(_ context.Context, id string) (*common_models.Call, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, tracerr.Wrap(ErrorCallNotFound.AddDetails(id))
	}
	// deep copy, participants are mutated by the state machine
	callCopy := call
	callCopy.Participants = make([]common_models.CallParticipant, len(call.Participants))
	copy(callCopy.Participants, call.Participants)
	return &callCopy, nil
}

func (s *MemoryStore) UpdateCall(_ context.Context, call *common_models.Call) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.calls[call.Id]
	if !ok {
		return tracerr.Wrap(ErrorCallNotFound.AddDetails(call.Id))
	}
	s.calls[call.Id] = *call
	return nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, notification *common_models.Notification) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.notifications[notification.Id] = *notification
	return nil
}

func (s *MemoryStore) MarkNotificationDelivered(_ context.Context, id string, at time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	notification, ok := s.notifications[id]
	if !ok {
		return tracerr.Wrap(ErrorNotificationNotFound.AddDetails(id))
	}
	notification.Delivered = true
	notification.DeliveredAt = &at
	s.notifications[id] = notification
	return nil
}

func (s *MemoryStore) FindUndeliveredNotifications(_ context.Context, recipientId string) ([]common_models.Notification, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var notifications []common_models.Notification
	for _, notification := range s.notifications {
		if notification.RecipientId == recipientId && !notification.Delivered {
			notifications = append(notifications, notification)
		}
	}
	return notifications, nil
}

// Messages returns all stored messages. Test helper.
func (s *MemoryStore) Messages() []common_models.Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var messages []common_models.Message
	for _, message := range s.messages {
		messages = append(messages, message)
	}
	return messages
}

// Notifications returns all stored notifications. Test helper.
func (s *MemoryStore) Notifications() []common_models.Notification {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var notifications []common_models.Notification
	for _, notification := range s.notifications {
		notifications = append(notifications, notification)
	}
	return notifications
}
