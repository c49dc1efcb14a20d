// Package notify fans a user-facing notification out to its recipient.
// Notifications are always persisted; the live socket path just marks them
// delivered immediately, so an offline recipient can fetch the backlog on
// reconnect. The push-provider call is fire-and-forget relative to the
// triggering action.
package notify

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/activity"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/pushapi"
	"github.com/kapy-chat/kapy-core/router"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorDispatchNoRecipient is returned when a dispatch request has no recipient
	ErrorDispatchNoRecipient = utils.NewValidationError("NOTIFY_DISPATCH_NO_RECIPIENT", "notification has no recipient")
	// ErrorDispatchBadCategory is returned when a dispatch request has an unknown category
	ErrorDispatchBadCategory = utils.NewValidationError("NOTIFY_DISPATCH_BAD_CATEGORY", "unknown notification category")
)

// Socket event name per category. Call notifications are emitted by the
// call signaling component itself (incoming-call); here they only cover the
// durable/push leg.
func eventFor(category common_models.NotificationCategory) string {
	switch category {
	case common_models.NotificationCategoryFriendRequest:
		return "friend-request-received"
	case common_models.NotificationCategoryCall:
		return "incoming-call"
	default:
		return "new-message"
	}
}

// Dispatcher chooses the delivery channel for each notification by
// consulting the router's connectivity and the activity tracker.
type Dispatcher struct {
	store   store.Store
	tracker *activity.Tracker
	router  *router.Router
	push    pushapi.Sender
	clock   clock.Clock
	logger  zerolog.Logger
}

type Options struct {
	Store   store.Store
	Tracker *activity.Tracker
	Router  *router.Router
	Push    pushapi.Sender
	Clock   clock.Clock
	Logger  zerolog.Logger
}

func NewDispatcher(options Options) *Dispatcher {
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	return &Dispatcher{
		store:   options.Store,
		tracker: options.Tracker,
		router:  options.Router,
		push:    options.Push,
		clock:   options.Clock,
		logger:  options.Logger.With().Str("component", "notify").Logger(),
	}
}

// Request describes one notification to dispatch.
type Request struct {
	RecipientId string
	SenderId    string
	Category    common_models.NotificationCategory
	Title       string
	Content     string
	// ConversationId, when set, suppresses the notification for a recipient
	// actively viewing that conversation.
	ConversationId string
	Payload        map[string]interface{}
}

// Dispatch persists and delivers one notification. Returns nil when the
// notification was suppressed because the recipient is already viewing the
// conversation. Push-provider failures never surface: the triggering action
// has already committed.
func (d *Dispatcher) Dispatch(ctx context.Context, request Request) (*common_models.Notification, error) {
	if request.RecipientId == "" {
		return nil, tracerr.Wrap(ErrorDispatchNoRecipient)
	}
	switch request.Category {
	case common_models.NotificationCategoryMessage, common_models.NotificationCategoryCall, common_models.NotificationCategoryFriendRequest:
	default:
		return nil, tracerr.Wrap(ErrorDispatchBadCategory.AddDetails(string(request.Category)))
	}
	if request.ConversationId != "" && d.tracker.IsActive(request.RecipientId, request.ConversationId) {
		d.logger.Debug().Str("recipientId", request.RecipientId).Str("conversationId", request.ConversationId).Msg("Recipient viewing conversation, notification suppressed")
		return nil, nil
	}

	// connectivity, not presence: a recipient inside the disconnect grace is
	// still online but can only be reached by push
	connected := d.router.Connected(request.RecipientId)
	notification := &common_models.Notification{
		Id:             uuid.NewString(),
		RecipientId:    request.RecipientId,
		SenderId:       request.SenderId,
		Category:       request.Category,
		Title:          request.Title,
		Content:        request.Content,
		ConversationId: request.ConversationId,
		Payload:        request.Payload,
		Method:         utils.Ternary(connected, common_models.DeliveryMethodSocket, common_models.DeliveryMethodPush),
		CreatedAt:      d.clock.Now(),
	}
	err := d.store.CreateNotification(ctx, notification)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if connected && d.router.EmitToUser(request.RecipientId, eventFor(request.Category), notification) {
		err = d.MarkDelivered(ctx, notification.Id)
		if err != nil {
			d.logger.Warn().Err(err).Str("notificationId", notification.Id).Msg("Delivered live but could not mark delivered")
		} else {
			notification.Delivered = true
		}
		return notification, nil
	}

	d.sendPush(request)
	return notification, nil
}

// sendPush resolves the recipient's device token and posts to the provider
// on a separate goroutine. Failures are logged and suppressed.
func (d *Dispatcher) sendPush(request Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		profile, err := d.store.FindUserProfile(ctx, request.RecipientId)
		if err != nil {
			d.logger.Warn().Err(err).Str("recipientId", request.RecipientId).Msg("Push skipped, profile lookup failed")
			return
		}
		if profile.PushToken == "" {
			d.logger.Debug().Str("recipientId", request.RecipientId).Msg("Push skipped, no device token")
			return
		}
		err = d.push.SendPush(ctx, profile.PushToken, request.Title, request.Content, request.Payload)
		if err != nil {
			d.logger.Warn().Err(err).Str("recipientId", request.RecipientId).Msg("Push provider call failed")
		}
	}()
}

// MarkDelivered flags the notification as delivered. Idempotent.
func (d *Dispatcher) MarkDelivered(ctx context.Context, notificationId string) error {
	err := d.store.MarkNotificationDelivered(ctx, notificationId, d.clock.Now())
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// FlushTo emits the recipient's undelivered backlog over the socket, used
// when a user identifies after being offline. Each emitted notification is
// marked delivered.
func (d *Dispatcher) FlushTo(ctx context.Context, userId string) error {
	backlog, err := d.store.FindUndeliveredNotifications(ctx, userId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	for _, notification := range backlog {
		if d.router.EmitToUser(userId, eventFor(notification.Category), notification) {
			err = d.MarkDelivered(ctx, notification.Id)
			if err != nil {
				d.logger.Warn().Err(err).Str("notificationId", notification.Id).Msg("Could not mark flushed notification delivered")
			}
		}
	}
	return nil
}
