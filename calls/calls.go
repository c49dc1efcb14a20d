// Package calls owns the call lifecycle. All state machine logic lives
// here; the Call record itself is plain data. Mutations are serialized
// per-call, because multiple clients race to finalize the same call.
package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/notify"
	"github.com/kapy-chat/kapy-core/router"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

const (
	// DefaultRingingTimeout auto-transitions a call nobody answered to
	// missed. Without it, an unanswered call rings until a client explicitly
	// ends it.
	DefaultRingingTimeout = 45 * time.Second
	// MaxGroupParticipants bounds group call size.
	MaxGroupParticipants = 50
)

var (
	// ErrorBadMedium is returned when the call medium is not audio or video
	ErrorBadMedium = utils.NewValidationError("CALLS_BAD_MEDIUM", "call medium must be audio or video")
	// ErrorTooFewParticipants is returned when the conversation has fewer than 2 participants
	ErrorTooFewParticipants = utils.NewValidationError("CALLS_TOO_FEW_PARTICIPANTS", "a call needs at least 2 participants")
	// ErrorTooManyParticipants is returned when the group size exceeds the upper bound
	ErrorTooManyParticipants = utils.NewValidationError("CALLS_TOO_MANY_PARTICIPANTS", fmt.Sprintf("a group call is capped at %d participants", MaxGroupParticipants))
	// ErrorNotConversationParticipant is returned when the caller does not belong to the conversation
	ErrorNotConversationParticipant = utils.NewUnauthorizedError("CALLS_NOT_CONVERSATION_PARTICIPANT", "caller is not a participant of the conversation")
	// ErrorNotCallParticipant is returned when the user does not belong to the call
	ErrorNotCallParticipant = utils.NewUnauthorizedError("CALLS_NOT_CALL_PARTICIPANT", "user is not a participant of the call")
	// ErrorRejectTerminalCall is returned when rejecting a 1:1 call that is already terminal
	ErrorRejectTerminalCall = utils.NewConflictError("CALLS_REJECT_TERMINAL", "call is already finalized")
	// ErrorRejectOngoingCall is returned when rejecting a 1:1 call that was already answered
	ErrorRejectOngoingCall = utils.NewConflictError("CALLS_REJECT_ONGOING", "call is already ongoing, end it instead")
	// ErrorLeaveDirectCall is returned when leave is used on a 1:1 call
	ErrorLeaveDirectCall = utils.NewValidationError("CALLS_LEAVE_DIRECT", "leave only applies to group calls, use end")
)

// Outbound event names.
const (
	EventIncomingCall      = "incoming-call"
	EventCallAnswered      = "call-answered"
	EventCallRejected      = "call-rejected"
	EventCallEnded         = "call-ended"
	EventCallStatusUpdated = "call-status-updated"
)

// Service runs the call state machine over the store, and broadcasts
// transitions through the router.
type Service struct {
	store      store.Store
	router     *router.Router
	dispatcher *notify.Dispatcher
	clock      clock.Clock
	logger     zerolog.Logger

	// locks serializes transitions per call id. The End derivation must run
	// exactly once even when two clients finalize concurrently.
	locks utils.MutexGroup

	ringingTimeout time.Duration
	timersLock     sync.Mutex
	ringTimers     map[string]*clock.Timer
}

type Options struct {
	Store          store.Store
	Router         *router.Router
	Dispatcher     *notify.Dispatcher
	Clock          clock.Clock
	Logger         zerolog.Logger
	RingingTimeout time.Duration
}

func NewService(options Options) *Service {
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.RingingTimeout == 0 {
		options.RingingTimeout = DefaultRingingTimeout
	}
	return &Service{
		store:          options.Store,
		router:         options.Router,
		dispatcher:     options.Dispatcher,
		clock:          options.Clock,
		logger:         options.Logger.With().Str("component", "calls").Logger(),
		ringingTimeout: options.RingingTimeout,
		ringTimers:     make(map[string]*clock.Timer),
	}
}

type InitiateRequest struct {
	ConversationId string
	CallerId       string
	Medium         common_models.CallMedium
}

// Initiate creates a call in ringing state over the conversation's full
// participant list, rings the other participants, and arms the ringing
// timeout.
func (s *Service) Initiate(ctx context.Context, request InitiateRequest) (*common_models.Call, error) {
	if request.Medium != common_models.CallMediumAudio && request.Medium != common_models.CallMediumVideo {
		return nil, tracerr.Wrap(ErrorBadMedium.AddDetails(string(request.Medium)))
	}
	conversation, err := s.store.FindConversation(ctx, request.ConversationId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if !utils.SliceIncludes(conversation.ParticipantIds, request.CallerId) {
		return nil, tracerr.Wrap(ErrorNotConversationParticipant.AddDetails(request.CallerId))
	}
	if len(conversation.ParticipantIds) < 2 {
		return nil, tracerr.Wrap(ErrorTooFewParticipants)
	}
	if conversation.IsGroup && len(conversation.ParticipantIds) > MaxGroupParticipants {
		return nil, tracerr.Wrap(ErrorTooManyParticipants)
	}

	now := s.clock.Now()
	call := &common_models.Call{
		Id:             uuid.NewString(),
		ConversationId: request.ConversationId,
		CallerId:       request.CallerId,
		Medium:         request.Medium,
		IsGroup:        conversation.IsGroup,
		Status:         common_models.CallStatusRinging,
		StartedAt:      now,
	}
	for _, userId := range conversation.ParticipantIds {
		participant := common_models.CallParticipant{UserId: userId, Status: common_models.ParticipantStatusRinging}
		if userId == request.CallerId {
			participant.Status = common_models.ParticipantStatusJoined
			joinedAt := now
			participant.JoinedAt = &joinedAt
		}
		call.Participants = append(call.Participants, participant)
	}
	err = s.store.CreateCall(ctx, call)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s.logger.Info().Str("callId", call.Id).Str("conversationId", call.ConversationId).Str("medium", string(call.Medium)).Msg("Call initiated")
	s.armRingTimer(call.Id)
	s.ring(ctx, call)
	return call, nil
}

// ring delivers incoming-call to every non-caller participant, falling back
// to a durable call notification for the ones that are offline.
func (s *Service) ring(ctx context.Context, call *common_models.Call) {
	for _, participant := range call.Participants {
		if participant.UserId == call.CallerId {
			continue
		}
		if s.router.EmitToUser(participant.UserId, EventIncomingCall, call) {
			continue
		}
		_, err := s.dispatcher.Dispatch(ctx, notify.Request{
			RecipientId: participant.UserId,
			SenderId:    call.CallerId,
			Category:    common_models.NotificationCategoryCall,
			Title:       "Incoming call",
			Content:     fmt.Sprintf("Incoming %s call", call.Medium),
			Payload:     map[string]interface{}{"call_id": call.Id, "conversation_id": call.ConversationId, "medium": call.Medium},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("callId", call.Id).Str("recipientId", participant.UserId).Msg("Call notification dispatch failed")
		}
	}
}

// Answer joins userId into the call. Re-answering by a joined user, or
// answering an already-finalized call, returns the current state unchanged.
func (s *Service) Answer(ctx context.Context, callId string, userId string) (*common_models.Call, error) {
	s.locks.Lock(callId)
	defer s.locks.Unlock(callId)

	call, err := s.store.FindCall(ctx, callId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	participant := call.Participant(userId)
	if participant == nil {
		return nil, tracerr.Wrap(ErrorNotCallParticipant.AddDetails(userId))
	}
	if call.Status.IsTerminal() || participant.Status == common_models.ParticipantStatusJoined {
		return call, nil
	}

	now := s.clock.Now()
	participant.Status = common_models.ParticipantStatusJoined
	participant.JoinedAt = &now
	if call.Status == common_models.CallStatusRinging {
		call.Status = common_models.CallStatusOngoing
		s.cancelRingTimer(call.Id)
	}
	err = s.store.UpdateCall(ctx, call)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s.logger.Info().Str("callId", call.Id).Str("userId", userId).Msg("Call answered")
	s.router.EmitToRoom(router.CallRoom(call.Id), EventCallAnswered, call)
	err = s.router.EmitToConversationParticipants(ctx, call.ConversationId, EventCallStatusUpdated, call)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", call.Id).Msg("Status broadcast failed")
	}
	return call, nil
}

// Reject is asymmetric between topologies. On a 1:1 call it finalizes the
// whole call as rejected. On a group call it only marks the rejecting
// participant declined and tells the caller: the call continues as long as
// anyone remains.
func (s *Service) Reject(ctx context.Context, callId string, userId string) (*common_models.Call, error) {
	s.locks.Lock(callId)
	defer s.locks.Unlock(callId)

	call, err := s.store.FindCall(ctx, callId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	participant := call.Participant(userId)
	if participant == nil {
		return nil, tracerr.Wrap(ErrorNotCallParticipant.AddDetails(userId))
	}

	if call.IsGroup {
		if call.Status.IsTerminal() {
			return call, nil
		}
		participant.Status = common_models.ParticipantStatusDeclined
		err = s.store.UpdateCall(ctx, call)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		s.logger.Info().Str("callId", call.Id).Str("userId", userId).Msg("Group call declined by participant")
		s.router.EmitToUser(call.CallerId, EventCallRejected, map[string]interface{}{"call_id": call.Id, "user_id": userId})
		s.router.EmitToRoom(router.CallRoom(call.Id), EventCallStatusUpdated, call)
		return call, nil
	}

	if call.Status.IsTerminal() {
		return nil, tracerr.Wrap(ErrorRejectTerminalCall.AddDetails(string(call.Status)))
	}
	if call.Status == common_models.CallStatusOngoing {
		return nil, tracerr.Wrap(ErrorRejectOngoingCall)
	}
	now := s.clock.Now()
	participant.Status = common_models.ParticipantStatusRejected
	call.Status = common_models.CallStatusRejected
	call.EndedAt = &now
	call.EndedBy = userId
	s.cancelRingTimer(call.Id)
	err = s.store.UpdateCall(ctx, call)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s.logger.Info().Str("callId", call.Id).Str("userId", userId).Msg("Call rejected")
	err = s.upsertCallLog(ctx, call)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", call.Id).Msg("Call log upsert failed")
	}
	err = s.router.EmitToConversationParticipants(ctx, call.ConversationId, EventCallRejected, call, userId)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", call.Id).Msg("Rejection broadcast failed")
	}
	return call, nil
}

// End finalizes the call. The outcome derives from the state prior to this
// transition: an unanswered call becomes missed, an answered one ended.
// Ending an already-terminal call returns the recorded state unchanged.
// durationSeconds, when positive, overrides the server-side derivation
// (clients report media-layer duration, which excludes ring time).
func (s *Service) End(ctx context.Context, callId string, userId string, durationSeconds int64) (*common_models.Call, error) {
	s.locks.Lock(callId)
	defer s.locks.Unlock(callId)

	call, err := s.store.FindCall(ctx, callId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if call.Status.IsTerminal() {
		return call, nil
	}
	if call.Participant(userId) == nil {
		return nil, tracerr.Wrap(ErrorNotCallParticipant.AddDetails(userId))
	}
	return s.finalize(ctx, call, userId, durationSeconds, false)
}

// Leave removes userId from a group call. When no joined participant
// remains, the call auto-finalizes: cancelled if the caller abandoned it
// while still ringing, ended otherwise.
func (s *Service) Leave(ctx context.Context, callId string, userId string) (*common_models.Call, error) {
	s.locks.Lock(callId)
	defer s.locks.Unlock(callId)

	call, err := s.store.FindCall(ctx, callId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if !call.IsGroup {
		return nil, tracerr.Wrap(ErrorLeaveDirectCall)
	}
	participant := call.Participant(userId)
	if participant == nil {
		return nil, tracerr.Wrap(ErrorNotCallParticipant.AddDetails(userId))
	}
	if call.Status.IsTerminal() {
		return call, nil
	}

	now := s.clock.Now()
	participant.Status = common_models.ParticipantStatusLeft
	participant.LeftAt = &now

	anyoneJoined := false
	for _, p := range call.Participants {
		if p.Status == common_models.ParticipantStatusJoined {
			anyoneJoined = true
			break
		}
	}
	if !anyoneJoined {
		return s.finalize(ctx, call, userId, 0, userId == call.CallerId && call.Status == common_models.CallStatusRinging)
	}

	err = s.store.UpdateCall(ctx, call)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s.logger.Info().Str("callId", call.Id).Str("userId", userId).Msg("Participant left group call")
	s.router.EmitToRoom(router.CallRoom(call.Id), EventCallStatusUpdated, call)
	return call, nil
}

// finalize runs the terminal transition exactly once. Callers hold the
// per-call lock and have checked the call is not yet terminal.
func (s *Service) finalize(ctx context.Context, call *common_models.Call, endedBy string, durationSeconds int64, cancelled bool) (*common_models.Call, error) {
	prior := call.Status
	now := s.clock.Now()
	call.EndedAt = &now
	call.EndedBy = endedBy
	switch {
	case cancelled:
		call.Status = common_models.CallStatusCancelled
	case prior == common_models.CallStatusRinging:
		call.Status = common_models.CallStatusMissed
	default:
		call.Status = common_models.CallStatusEnded
	}
	if call.DurationSeconds == 0 {
		if durationSeconds > 0 {
			call.DurationSeconds = durationSeconds
		} else if prior == common_models.CallStatusOngoing {
			call.DurationSeconds = int64(now.Sub(call.StartedAt) / time.Second)
		}
	}
	missed := call.Status == common_models.CallStatusMissed || call.Status == common_models.CallStatusCancelled
	for i := range call.Participants {
		participant := &call.Participants[i]
		switch participant.Status {
		case common_models.ParticipantStatusRinging:
			if missed {
				participant.Status = common_models.ParticipantStatusMissed
			} else {
				participant.Status = common_models.ParticipantStatusLeft
				leftAt := now
				participant.LeftAt = &leftAt
			}
		case common_models.ParticipantStatusJoined:
			participant.Status = common_models.ParticipantStatusLeft
			leftAt := now
			participant.LeftAt = &leftAt
		}
	}
	s.cancelRingTimer(call.Id)

	err := s.store.UpdateCall(ctx, call)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s.logger.Info().Str("callId", call.Id).Str("status", string(call.Status)).Int64("duration", call.DurationSeconds).Msg("Call finalized")
	err = s.upsertCallLog(ctx, call)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", call.Id).Msg("Call log upsert failed")
	}
	err = s.router.EmitToConversationParticipants(ctx, call.ConversationId, EventCallEnded, call)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", call.Id).Msg("End broadcast failed")
	}
	return call, nil
}

// upsertCallLog inserts the call-log message into the conversation's
// message stream, or rewrites its content if a racing finalizer already
// created it. At most one log message exists per call.
func (s *Service) upsertCallLog(ctx context.Context, call *common_models.Call) error {
	content := callLogContent(call)
	existing, err := s.store.FindCallLogMessage(ctx, call.ConversationId, call.Id)
	if err != nil {
		if !utils.IsNotFound(err) {
			return tracerr.Wrap(err)
		}
		message := &common_models.Message{
			Id:             uuid.NewString(),
			ConversationId: call.ConversationId,
			SenderId:       call.CallerId,
			Type:           common_models.MessageTypeCallLog,
			Content:        content,
			CallId:         call.Id,
			CreatedAt:      s.clock.Now(),
			UpdatedAt:      s.clock.Now(),
		}
		err = s.store.CreateMessage(ctx, message)
		if err != nil {
			return tracerr.Wrap(err)
		}
		return nil
	}
	err = s.store.UpdateMessageContent(ctx, existing.Id, content, s.clock.Now())
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func callLogContent(call *common_models.Call) string {
	switch call.Status {
	case common_models.CallStatusMissed:
		return fmt.Sprintf("Missed %s call", call.Medium)
	case common_models.CallStatusRejected, common_models.CallStatusDeclined:
		return fmt.Sprintf("Declined %s call", call.Medium)
	case common_models.CallStatusCancelled:
		return fmt.Sprintf("Cancelled %s call", call.Medium)
	default:
		return fmt.Sprintf("%s call, %s", capitalizedMedium(call.Medium), formatDuration(call.DurationSeconds))
	}
}

func capitalizedMedium(medium common_models.CallMedium) string {
	if medium == common_models.CallMediumVideo {
		return "Video"
	}
	return "Audio"
}

func formatDuration(seconds int64) string {
	if seconds >= 60 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%ds", seconds)
}

// armRingTimer schedules the ringing timeout. The callback reloads the call
// under the per-call lock; a call answered or finalized in the meantime is
// left alone.
func (s *Service) armRingTimer(callId string) {
	timer := s.clock.AfterFunc(s.ringingTimeout, func() {
		s.ringTimedOut(callId)
	})
	s.timersLock.Lock()
	s.ringTimers[callId] = timer
	s.timersLock.Unlock()
}

func (s *Service) cancelRingTimer(callId string) {
	s.timersLock.Lock()
	if timer := s.ringTimers[callId]; timer != nil {
		timer.Stop()
		delete(s.ringTimers, callId)
	}
	s.timersLock.Unlock()
}

func (s *Service) ringTimedOut(callId string) {
	s.locks.Lock(callId)
	defer s.locks.Unlock(callId)
	s.cancelRingTimer(callId)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	call, err := s.store.FindCall(ctx, callId)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", callId).Msg("Ringing timeout could not load call")
		return
	}
	if call.Status != common_models.CallStatusRinging {
		return
	}
	s.logger.Info().Str("callId", callId).Msg("Ringing timed out")
	_, err = s.finalize(ctx, call, "", 0, false)
	if err != nil {
		s.logger.Warn().Err(err).Str("callId", callId).Msg("Ringing timeout finalization failed")
	}
}
