package calls

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kapy-chat/kapy-core/activity"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/notify"
	"github.com/kapy-chat/kapy-core/presence"
	"github.com/kapy-chat/kapy-core/router"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) SendPush(_ context.Context, _ string, _ string, _ string, _ map[string]interface{}) error {
	return nil
}

type callFixture struct {
	service *Service
	store   *store.MemoryStore
	clock   *clock.Mock
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()
	mockClock := clock.NewMock()
	documentStore := store.NewMemoryStore()
	registry := presence.NewRegistry(presence.Options{Clock: mockClock, Logger: zerolog.Nop()})
	tracker := activity.NewTracker(activity.Options{Clock: mockClock, Logger: zerolog.Nop()})
	t.Cleanup(tracker.Close)
	eventRouter := router.New(registry, documentStore, zerolog.Nop())
	dispatcher := notify.NewDispatcher(notify.Options{
		Store:   documentStore,
		Tracker: tracker,
		Router:  eventRouter,
		Push:    nopSender{},
		Clock:   mockClock,
		Logger:  zerolog.Nop(),
	})
	service := NewService(Options{
		Store:      documentStore,
		Router:     eventRouter,
		Dispatcher: dispatcher,
		Clock:      mockClock,
		Logger:     zerolog.Nop(),
	})
	return &callFixture{service: service, store: documentStore, clock: mockClock}
}

func (f *callFixture) seedDirectConversation() {
	f.store.AddConversation(common_models.Conversation{
		Id:             "conv1",
		ParticipantIds: []string{"alice", "bob"},
	})
}

func (f *callFixture) seedGroupConversation(participantIds ...string) {
	if len(participantIds) == 0 {
		participantIds = []string{"alice", "bob", "carol"}
	}
	f.store.AddConversation(common_models.Conversation{
		Id:             "conv2",
		IsGroup:        true,
		ParticipantIds: participantIds,
	})
}

func TestInitiate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates a ringing call with caller joined", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusRinging, call.Status)
		assert.False(t, call.IsGroup)
		require.Len(t, call.Participants, 2)

		caller := call.Participant("alice")
		require.NotNil(t, caller)
		assert.Equal(t, common_models.ParticipantStatusJoined, caller.Status)
		assert.NotNil(t, caller.JoinedAt)

		callee := call.Participant("bob")
		require.NotNil(t, callee)
		assert.Equal(t, common_models.ParticipantStatusRinging, callee.Status)
		assert.Nil(t, callee.JoinedAt)
	})

	t.Run("offline callees get a durable call notification", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		_, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumVideo})
		require.NoError(t, err)

		notifications := f.store.Notifications()
		require.Len(t, notifications, 1)
		assert.Equal(t, "bob", notifications[0].RecipientId)
		assert.Equal(t, common_models.NotificationCategoryCall, notifications[0].Category)
		assert.False(t, notifications[0].Delivered)
	})

	t.Run("invalid medium", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()
		_, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: "hologram"})
		assert.ErrorIs(t, err, ErrorBadMedium)
	})

	t.Run("caller must belong to the conversation", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()
		_, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "mallory", Medium: common_models.CallMediumAudio})
		assert.ErrorIs(t, err, ErrorNotConversationParticipant)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		_, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "nope", CallerId: "alice", Medium: common_models.CallMediumAudio})
		assert.ErrorIs(t, err, store.ErrorConversationNotFound)
	})

	t.Run("group size is capped", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		participantIds := []string{"alice"}
		for i := 0; i < MaxGroupParticipants; i++ {
			participantIds = append(participantIds, fmt.Sprintf("user-%d", i))
		}
		f.seedGroupConversation(participantIds...)
		_, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv2", CallerId: "alice", Medium: common_models.CallMediumAudio})
		assert.ErrorIs(t, err, ErrorTooManyParticipants)
	})
}

func TestDirectCallLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("initiate, answer, end with reported duration", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)

		call, err = f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusOngoing, call.Status)
		assert.Equal(t, common_models.ParticipantStatusJoined, call.Participant("bob").Status)

		call, err = f.service.End(ctx, call.Id, "alice", 42)
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusEnded, call.Status)
		assert.Equal(t, int64(42), call.DurationSeconds)
		assert.NotNil(t, call.EndedAt)
		assert.Equal(t, "alice", call.EndedBy)

		// exactly one call-log message references this call
		messages := f.store.Messages()
		require.Len(t, messages, 1)
		assert.Equal(t, common_models.MessageTypeCallLog, messages[0].Type)
		assert.Equal(t, call.Id, messages[0].CallId)
		assert.Equal(t, "conv1", messages[0].ConversationId)
	})

	t.Run("end derives duration from the clock when none is reported", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)

		f.clock.Add(90 * time.Second)
		call, err = f.service.End(ctx, call.Id, "bob", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(90), call.DurationSeconds)
	})

	t.Run("end is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)

		first, err := f.service.End(ctx, call.Id, "alice", 42)
		require.NoError(t, err)
		second, err := f.service.End(ctx, call.Id, "bob", 7)
		require.NoError(t, err)

		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.DurationSeconds, second.DurationSeconds)
		assert.Equal(t, first.EndedBy, second.EndedBy)
		assert.Len(t, f.store.Messages(), 1)
	})

	t.Run("answer is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)

		first, err := f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)
		second, err := f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.Participants, second.Participants)
	})

	t.Run("ending an unanswered call yields missed", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		call, err = f.service.End(ctx, call.Id, "alice", 0)
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusMissed, call.Status)
		assert.Equal(t, common_models.ParticipantStatusMissed, call.Participant("bob").Status)
		assert.Zero(t, call.DurationSeconds)
	})

	t.Run("reject finalizes the call", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		call, err = f.service.Reject(ctx, call.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusRejected, call.Status)
		assert.Equal(t, "bob", call.EndedBy)
		assert.NotNil(t, call.EndedAt)

		// a second reject conflicts instead of double-transitioning
		_, err = f.service.Reject(ctx, call.Id, "bob")
		assert.ErrorIs(t, err, ErrorRejectTerminalCall)
	})

	t.Run("reject after answer conflicts", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)
		_, err = f.service.Reject(ctx, call.Id, "bob")
		assert.ErrorIs(t, err, ErrorRejectOngoingCall)
	})

	t.Run("operations on unknown calls and strangers fail", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		_, err := f.service.Answer(ctx, "nope", "bob")
		assert.ErrorIs(t, err, store.ErrorCallNotFound)

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "mallory")
		assert.ErrorIs(t, err, ErrorNotCallParticipant)
	})

	t.Run("unanswered call times out to missed", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)

		f.clock.Add(DefaultRingingTimeout)
		timedOut, err := f.store.FindCall(ctx, call.Id)
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusMissed, timedOut.Status)
		assert.Equal(t, common_models.ParticipantStatusMissed, timedOut.Participant("bob").Status)
		assert.Len(t, f.store.Messages(), 1)
	})

	t.Run("answering disarms the ringing timeout", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "bob")
		require.NoError(t, err)

		f.clock.Add(DefaultRingingTimeout * 2)
		current, err := f.store.FindCall(ctx, call.Id)
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusOngoing, current.Status)
	})
}

func TestGroupCallLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("individual decline does not end the call", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedGroupConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv2", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)

		call, err = f.service.Reject(ctx, call.Id, "bob")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusRinging, call.Status)
		assert.Equal(t, common_models.ParticipantStatusDeclined, call.Participant("bob").Status)

		call, err = f.service.Answer(ctx, call.Id, "carol")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusOngoing, call.Status)

		call, err = f.service.End(ctx, call.Id, "alice", 0)
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusEnded, call.Status)
		// the decline survives finalization, it is not overwritten to left
		assert.Equal(t, common_models.ParticipantStatusDeclined, call.Participant("bob").Status)
		assert.Equal(t, common_models.ParticipantStatusLeft, call.Participant("carol").Status)
	})

	t.Run("call ends when the last joined participant leaves", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedGroupConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv2", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Answer(ctx, call.Id, "carol")
		require.NoError(t, err)

		call, err = f.service.Leave(ctx, call.Id, "alice")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusOngoing, call.Status, "carol is still in the call")

		call, err = f.service.Leave(ctx, call.Id, "carol")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusEnded, call.Status)
	})

	t.Run("caller abandoning a ringing group call cancels it", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedGroupConversation()

		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv2", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		call, err = f.service.Leave(ctx, call.Id, "alice")
		require.NoError(t, err)
		assert.Equal(t, common_models.CallStatusCancelled, call.Status)
	})

	t.Run("leave rejects direct calls", func(t *testing.T) {
		t.Parallel()
		f := newCallFixture(t)
		f.seedDirectConversation()
		call, err := f.service.Initiate(ctx, InitiateRequest{ConversationId: "conv1", CallerId: "alice", Medium: common_models.CallMediumAudio})
		require.NoError(t, err)
		_, err = f.service.Leave(ctx, call.Id, "alice")
		assert.ErrorIs(t, err, ErrorLeaveDirectCall)
	})
}
