package common_models

import "time"

// UserProfile is the read-only snapshot resolved from the identity provider.
type UserProfile struct {
	Id          string `json:"id" bson:"_id"`
	DisplayName string `json:"display_name" bson:"display_name"`
	AvatarUrl   string `json:"avatar_url" bson:"avatar_url"`
	// PublicKey is the b64 DER encoding of the user's encryption public key,
	// used to wrap content keys for this user.
	PublicKey string `json:"public_key" bson:"public_key"`
	// PushToken is the device token for offline push delivery. Empty when the
	// user never registered one.
	PushToken string `json:"push_token" bson:"push_token"`
}

type Conversation struct {
	Id             string    `json:"id" bson:"_id"`
	IsGroup        bool      `json:"is_group" bson:"is_group"`
	ParticipantIds []string  `json:"participant_ids" bson:"participant_ids"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeAttachment MessageType = "attachment"
	MessageTypeCallLog    MessageType = "call_log"
)

type Message struct {
	Id             string      `json:"id" bson:"_id"`
	ConversationId string      `json:"conversation_id" bson:"conversation_id"`
	SenderId       string      `json:"sender_id" bson:"sender_id"`
	Type           MessageType `json:"type" bson:"type"`
	Content        string      `json:"content" bson:"content"`
	// AttachmentId references the EncryptedFile carried by this message, for
	// attachment messages only.
	AttachmentId string `json:"attachment_id,omitempty" bson:"attachment_id,omitempty"`
	// CallId tags call-log messages with the call they summarize, so that
	// racing finalizers update the existing log entry instead of creating a
	// duplicate.
	CallId    string    `json:"call_id,omitempty" bson:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type AccessMode string

const (
	AccessModePublic        AccessMode = "public"
	AccessModeAuthenticated AccessMode = "authenticated"
)

// RecipientKey is one recipient's wrapped copy of a file's content key.
// A recipient can decrypt the file iff a RecipientKey for them exists.
type RecipientKey struct {
	RecipientId string `json:"recipient_id" bson:"recipient_id"`
	WrappedKey  []byte `json:"wrapped_key" bson:"wrapped_key"`
	WrapIV      []byte `json:"wrap_iv" bson:"wrap_iv"`
	WrapTag     []byte `json:"wrap_tag" bson:"wrap_tag"`
	// KeyHash identifies which of the recipient's public keys the wrap was
	// created for.
	KeyHash string `json:"key_hash" bson:"key_hash"`
}

// EncryptedFile is the durable record of a file encrypted once with a content
// key, with that key wrapped per authorized recipient. Immutable after
// creation.
type EncryptedFile struct {
	Id             string `json:"id" bson:"_id"`
	UploaderId     string `json:"uploader_id" bson:"uploader_id"`
	Filename       string `json:"filename" bson:"filename"`
	MimeType       string `json:"mime_type" bson:"mime_type"`
	PlaintextSize  int64  `json:"plaintext_size" bson:"plaintext_size"`
	CiphertextSize int64  `json:"ciphertext_size" bson:"ciphertext_size"`
	IsEncrypted    bool   `json:"is_encrypted" bson:"is_encrypted"`
	IV             []byte `json:"iv" bson:"iv"`
	Tag            []byte `json:"tag" bson:"tag"`
	// ContentHash is the sha256 of the ciphertext recorded at upload time,
	// verified (log-only) on download.
	ContentHash    []byte         `json:"content_hash" bson:"content_hash"`
	StorageLocator string         `json:"storage_locator" bson:"storage_locator"`
	AccessMode     AccessMode     `json:"access_mode" bson:"access_mode"`
	RecipientKeys  []RecipientKey `json:"recipient_keys" bson:"recipient_keys"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
}

// EncryptedFileHeader is the bson header prepended to every stored blob,
// tying the bytes in object storage back to their EncryptedFile record.
type EncryptedFileHeader struct {
	Version string `bson:"v"`
	FileId  string `bson:"fid"`
}

type CallMedium string

const (
	CallMediumAudio CallMedium = "audio"
	CallMediumVideo CallMedium = "video"
)

type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal calls only
// tolerate idempotent re-finalization.
func (s CallStatus) IsTerminal() bool {
	return s != CallStatusRinging && s != CallStatusOngoing
}

type ParticipantStatus string

const (
	ParticipantStatusRinging  ParticipantStatus = "ringing"
	ParticipantStatusJoined   ParticipantStatus = "joined"
	ParticipantStatusDeclined ParticipantStatus = "declined"
	ParticipantStatusMissed   ParticipantStatus = "missed"
	ParticipantStatusLeft     ParticipantStatus = "left"
	ParticipantStatusRejected ParticipantStatus = "rejected"
)

type CallParticipant struct {
	UserId       string            `json:"user_id" bson:"user_id"`
	Status       ParticipantStatus `json:"status" bson:"status"`
	JoinedAt     *time.Time        `json:"joined_at,omitempty" bson:"joined_at,omitempty"`
	LeftAt       *time.Time        `json:"left_at,omitempty" bson:"left_at,omitempty"`
	Muted        bool              `json:"muted" bson:"muted"`
	VideoEnabled bool              `json:"video_enabled" bson:"video_enabled"`
}

type Call struct {
	Id             string     `json:"id" bson:"_id"`
	ConversationId string     `json:"conversation_id" bson:"conversation_id"`
	CallerId       string     `json:"caller_id" bson:"caller_id"`
	Medium         CallMedium `json:"medium" bson:"medium"`
	IsGroup        bool       `json:"is_group" bson:"is_group"`
	Status         CallStatus `json:"status" bson:"status"`
	StartedAt      time.Time  `json:"started_at" bson:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	EndedBy        string     `json:"ended_by,omitempty" bson:"ended_by,omitempty"`
	// DurationSeconds is derived from EndedAt-StartedAt on the first terminal
	// transition, then never recomputed.
	DurationSeconds int64             `json:"duration_seconds" bson:"duration_seconds"`
	Participants    []CallParticipant `json:"participants" bson:"participants"`
}

// Participant returns the participant entry for userId, or nil.
func (c *Call) Participant(userId string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].UserId == userId {
			return &c.Participants[i]
		}
	}
	return nil
}

type NotificationCategory string

const (
	NotificationCategoryMessage       NotificationCategory = "message"
	NotificationCategoryCall          NotificationCategory = "call"
	NotificationCategoryFriendRequest NotificationCategory = "friend_request"
)

type DeliveryMethod string

const (
	DeliveryMethodSocket DeliveryMethod = "socket"
	DeliveryMethodPush   DeliveryMethod = "push"
)

// Notification is the durable record created for every fan-out recipient.
// Live-delivered notifications are persisted too, marked delivered
// immediately, so notification centers and badge counts stay consistent.
type Notification struct {
	Id             string               `json:"id" bson:"_id"`
	RecipientId    string               `json:"recipient_id" bson:"recipient_id"`
	SenderId       string               `json:"sender_id" bson:"sender_id"`
	Category       NotificationCategory `json:"category" bson:"category"`
	Title          string               `json:"title" bson:"title"`
	Content        string               `json:"content" bson:"content"`
	ConversationId string               `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Payload        map[string]any       `json:"payload,omitempty" bson:"payload,omitempty"`
	Method         DeliveryMethod       `json:"method" bson:"method"`
	Delivered      bool                 `json:"delivered" bson:"delivered"`
	DeliveredAt    *time.Time           `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at" bson:"created_at"`
}
