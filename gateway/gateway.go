// Package gateway is the realtime edge: a websocket multiplexer with a
// tagged event envelope, plus a small REST surface for file operations.
// Inbound events are validated at the boundary, then handled serially per
// connection; everything behind the boundary works with typed payloads.
package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/activity"
	"github.com/kapy-chat/kapy-core/calls"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/filevault"
	"github.com/kapy-chat/kapy-core/notify"
	"github.com/kapy-chat/kapy-core/presence"
	"github.com/kapy-chat/kapy-core/router"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
)

var (
	// ErrorEventMalformed is returned when an inbound frame is not a valid envelope
	ErrorEventMalformed = utils.NewValidationError("GATEWAY_EVENT_MALFORMED", "event envelope is malformed")
	// ErrorEventUnknown is returned for an event name the gateway does not handle
	ErrorEventUnknown = utils.NewValidationError("GATEWAY_EVENT_UNKNOWN", "unknown event")
	// ErrorNotIdentified is returned when a connection sends events before identifying
	ErrorNotIdentified = utils.NewUnauthorizedError("GATEWAY_NOT_IDENTIFIED", "connection has not identified")
	// ErrorIdentityMismatch is returned when an identified connection presents a token for another user
	ErrorIdentityMismatch = utils.NewConflictError("GATEWAY_IDENTITY_MISMATCH", "connection is already identified as another user")
)

type Gateway struct {
	registry   *presence.Registry
	tracker    *activity.Tracker
	router     *router.Router
	calls      *calls.Service
	vault      *filevault.Vault
	dispatcher *notify.Dispatcher
	store      store.Store
	auth       *TokenAuthority
	logger     zerolog.Logger
}

type Options struct {
	Registry   *presence.Registry
	Tracker    *activity.Tracker
	Router     *router.Router
	Calls      *calls.Service
	Vault      *filevault.Vault
	Dispatcher *notify.Dispatcher
	Store      store.Store
	Auth       *TokenAuthority
	Logger     zerolog.Logger
}

func New(options Options) *Gateway {
	g := &Gateway{
		registry:   options.Registry,
		tracker:    options.Tracker,
		router:     options.Router,
		calls:      options.Calls,
		vault:      options.Vault,
		dispatcher: options.Dispatcher,
		store:      options.Store,
		auth:       options.Auth,
		logger:     options.Logger.With().Str("component", "gateway").Logger(),
	}
	g.registry.OnSnapshot = func(users []presence.OnlineUser) {
		g.router.Broadcast("online-users", users)
	}
	g.registry.OnRemoved = func(userId string) {
		g.tracker.ClearAllFor(userId)
	}
	return g
}

// App assembles the fiber application: the websocket endpoint plus the REST
// file surface.
func (g *Gateway) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/ws", websocket.New(g.handleSocket))

	api := app.Group("/api", g.requireBearer)
	api.Post("/files", g.httpUploadFile)
	api.Post("/files/batch", g.httpUploadBatch)
	api.Get("/files/:id/url", g.httpSignedURL)
	api.Get("/files/:id/download", g.httpDownloadFile)
	api.Get("/files/:id/key", g.httpRecipientKey)
	api.Delete("/files/:id", g.httpDeleteFile)
	api.Get("/notifications", g.httpUndeliveredNotifications)

	return app
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleSocket runs one connection's serial event loop. A connection must
// identify before anything else; registering presence before that would let
// an anonymous socket claim any user id.
func (g *Gateway) handleSocket(c *websocket.Conn) {
	conn := &wsConn{handle: uuid.NewString(), conn: c}
	g.router.Register(conn)
	g.logger.Debug().Str("handle", conn.handle).Msg("Connection opened")

	userId := ""
	defer func() {
		g.router.Unregister(conn.handle)
		g.registry.Disconnect(conn.handle)
		g.logger.Debug().Str("handle", conn.handle).Str("userId", userId).Msg("Connection closed")
		_ = c.Close()
	}()

	for {
		_, frame, err := c.ReadMessage()
		if err != nil {
			return
		}
		var inbound inboundEnvelope
		if err = json.Unmarshal(frame, &inbound); err != nil || inbound.Event == "" {
			g.emitError(conn, "", ErrorEventMalformed)
			continue
		}

		if inbound.Event == "identify" {
			userId = g.handleIdentify(conn, userId, inbound.Data)
			continue
		}
		if userId == "" {
			g.emitError(conn, inbound.Event, ErrorNotIdentified)
			continue
		}
		g.handleEvent(conn, userId, inbound)
	}
}

type identifyPayload struct {
	Token string `json:"token"`
}

func (g *Gateway) handleIdentify(conn *wsConn, currentUserId string, data json.RawMessage) string {
	ctx := context.Background()
	var payload identifyPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		g.emitError(conn, "identify", ErrorEventMalformed)
		return currentUserId
	}
	userId, err := g.auth.VerifyToken(payload.Token)
	if err != nil {
		g.emitError(conn, "identify", err)
		return currentUserId
	}
	// a socket carries at most one identity for its lifetime; accepting a
	// second one would leave the first user's session orphaned
	if currentUserId != "" && currentUserId != userId {
		g.emitError(conn, "identify", ErrorIdentityMismatch)
		return currentUserId
	}

	profile, err := g.store.FindUserProfile(ctx, userId)
	if err != nil {
		if !utils.IsNotFound(err) {
			g.emitError(conn, "identify", err)
			return currentUserId
		}
		profile = nil // identity provider knows the user, profile not synced yet
	}

	g.registry.Identify(userId, conn.handle, profile)
	g.router.JoinRoom(conn.handle, router.UserRoom(userId))
	g.emit(conn, "identified", map[string]interface{}{"user_id": userId})

	err = g.dispatcher.FlushTo(ctx, userId)
	if err != nil {
		g.logger.Warn().Err(err).Str("userId", userId).Msg("Notification backlog flush failed")
	}
	return userId
}

type conversationPayload struct {
	ConversationId string `json:"conversation_id"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type startCallPayload struct {
	ConversationId string                   `json:"conversation_id"`
	Medium         common_models.CallMedium `json:"medium"`
}

type callActionPayload struct {
	CallId          string `json:"call_id"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

type signedURLPayload struct {
	FileId string `json:"file_id"`
}

func (g *Gateway) handleEvent(conn *wsConn, userId string, inbound inboundEnvelope) {
	ctx := context.Background()
	switch inbound.Event {

	case "touch-presence":
		g.registry.Touch(userId)
		var payload conversationPayload
		if json.Unmarshal(inbound.Data, &payload) == nil && payload.ConversationId != "" {
			g.tracker.Touch(userId, payload.ConversationId)
		}

	case "enter-conversation":
		var payload conversationPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.ConversationId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		g.tracker.MarkActive(userId, payload.ConversationId)
		g.router.JoinRoom(conn.handle, router.ConversationRoom(payload.ConversationId))

	case "leave-conversation":
		var payload conversationPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.ConversationId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		g.tracker.MarkInactive(userId, payload.ConversationId)
		g.router.LeaveRoom(conn.handle, router.ConversationRoom(payload.ConversationId))

	case "join-room":
		var payload roomPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.Room == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		g.router.JoinRoom(conn.handle, payload.Room)

	case "leave-room":
		var payload roomPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.Room == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		g.router.LeaveRoom(conn.handle, payload.Room)

	case "start-call":
		var payload startCallPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.ConversationId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		call, err := g.calls.Initiate(ctx, calls.InitiateRequest{
			ConversationId: payload.ConversationId,
			CallerId:       userId,
			Medium:         payload.Medium,
		})
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.router.JoinRoom(conn.handle, router.CallRoom(call.Id))
		g.emit(conn, "call-started", call)

	case "answer-call":
		var payload callActionPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.CallId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		call, err := g.calls.Answer(ctx, payload.CallId, userId)
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.router.JoinRoom(conn.handle, router.CallRoom(call.Id))
		g.emit(conn, calls.EventCallAnswered, call)

	case "reject-call":
		var payload callActionPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.CallId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		call, err := g.calls.Reject(ctx, payload.CallId, userId)
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.emit(conn, calls.EventCallStatusUpdated, call)

	case "end-call":
		var payload callActionPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.CallId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		call, err := g.calls.End(ctx, payload.CallId, userId, payload.DurationSeconds)
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.router.LeaveRoom(conn.handle, router.CallRoom(call.Id))
		g.emit(conn, calls.EventCallEnded, call)

	case "leave-group-call":
		var payload callActionPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.CallId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		call, err := g.calls.Leave(ctx, payload.CallId, userId)
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.router.LeaveRoom(conn.handle, router.CallRoom(call.Id))
		g.emit(conn, calls.EventCallStatusUpdated, call)

	case "upload-encrypted-file":
		var payload uploadFilePayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		file, err := g.vault.UploadEncrypted(ctx, payload.toRequest(userId))
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.emit(conn, "file-uploaded", file)

	case "get-signed-url":
		var payload signedURLPayload
		if err := json.Unmarshal(inbound.Data, &payload); err != nil || payload.FileId == "" {
			g.emitError(conn, inbound.Event, ErrorEventMalformed)
			return
		}
		access, err := g.vault.IssueSignedAccess(ctx, payload.FileId, userId)
		if err != nil {
			g.emitError(conn, inbound.Event, err)
			return
		}
		g.emit(conn, "signed-url", access)

	default:
		g.emitError(conn, inbound.Event, ErrorEventUnknown.AddDetails(inbound.Event))
	}
}

func (g *Gateway) emit(conn *wsConn, event string, payload interface{}) {
	err := conn.Emit(event, payload)
	if err != nil {
		g.logger.Warn().Err(err).Str("handle", conn.handle).Str("event", event).Msg("Emit failed")
	}
}

type errorPayload struct {
	Event       string `json:"event,omitempty"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (g *Gateway) emitError(conn *wsConn, event string, err error) {
	payload := errorPayload{Event: event, Code: "INTERNAL", Description: "internal error"}
	var kapyError utils.KapyError
	if errors.As(err, &kapyError) {
		payload.Code = kapyError.Code
		payload.Description = kapyError.Description
	}
	g.logger.Debug().Str("handle", conn.handle).Str("event", event).Str("code", payload.Code).Msg("Event rejected")
	g.emit(conn, "error", payload)
}
