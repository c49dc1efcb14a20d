// Package router keeps the room membership of live connections and fans
// events out to rooms, users, and conversation participants.
package router

import (
	"context"
	"sync"

	"github.com/kapy-chat/kapy-core/presence"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

// Conn is one live realtime connection. The gateway implements it over a
// websocket; tests implement it over a buffer.
type Conn interface {
	// Handle returns the connection's unique handle.
	Handle() string
	// Emit serializes and sends one tagged event to the peer.
	Emit(event string, payload interface{}) error
}

// Room name builders. Membership of conversation and call rooms is explicit
// (join/leave); the user room exists so other components can address all of
// a user's traffic uniformly.
func ConversationRoom(conversationId string) string { return "conversation:" + conversationId }
func CallRoom(callId string) string                 { return "call:" + callId }
func UserRoom(userId string) string                 { return "user:" + userId }

// Router indexes connections by handle and by room.
type Router struct {
	lock  sync.RWMutex
	conns map[string]Conn
	// room -> connection handle set
	rooms map[string]map[string]bool
	// connection handle -> room set, for cleanup on unregister
	memberships map[string]map[string]bool

	registry *presence.Registry
	store    store.Store
	logger   zerolog.Logger
}

func New(registry *presence.Registry, st store.Store, logger zerolog.Logger) *Router {
	return &Router{
		conns:       make(map[string]Conn),
		rooms:       make(map[string]map[string]bool),
		memberships: make(map[string]map[string]bool),
		registry:    registry,
		store:       st,
		logger:      logger.With().Str("component", "router").Logger(),
	}
}

// Register makes a connection addressable. It joins the connection's own
// user room separately, once the user is identified.
func (r *Router) Register(conn Conn) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.conns[conn.Handle()] = conn
}

// Unregister drops the connection and its room memberships.
func (r *Router) Unregister(connectionHandle string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for room := range r.memberships[connectionHandle] {
		delete(r.rooms[room], connectionHandle)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.memberships, connectionHandle)
	delete(r.conns, connectionHandle)
}

func (r *Router) JoinRoom(connectionHandle string, room string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.conns[connectionHandle] == nil {
		return
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][connectionHandle] = true
	if r.memberships[connectionHandle] == nil {
		r.memberships[connectionHandle] = make(map[string]bool)
	}
	r.memberships[connectionHandle][room] = true
}

func (r *Router) LeaveRoom(connectionHandle string, room string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.rooms[room], connectionHandle)
	if len(r.rooms[room]) == 0 {
		delete(r.rooms, room)
	}
	delete(r.memberships[connectionHandle], room)
}

// RoomMembers returns the handles currently in a room.
func (r *Router) RoomMembers(room string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members := make([]string, 0, len(r.rooms[room]))
	for handle := range r.rooms[room] {
		members = append(members, handle)
	}
	return members
}

// EmitToRoom sends the event to every connection in the room except those of
// the excluded users, resolved through the presence registry. Send failures
// are logged, not propagated: one dead peer must not block the others.
func (r *Router) EmitToRoom(room string, event string, payload interface{}, excludedUserIds ...string) {
	excluded := make(map[string]bool, len(excludedUserIds))
	for _, userId := range excludedUserIds {
		if handle, online := r.registry.HandleOf(userId); online {
			excluded[handle] = true
		}
	}
	r.lock.RLock()
	targets := make([]Conn, 0, len(r.rooms[room]))
	for handle := range r.rooms[room] {
		if !excluded[handle] {
			if conn := r.conns[handle]; conn != nil {
				targets = append(targets, conn)
			}
		}
	}
	r.lock.RUnlock()
	for _, conn := range targets {
		r.emit(conn, event, payload)
	}
}

// Connected reports whether the user has a live, registered connection.
// Stricter than presence: a user inside the disconnect grace is still online
// but no longer reachable over a socket.
func (r *Router) Connected(userId string) bool {
	handle, online := r.registry.HandleOf(userId)
	if !online {
		return false
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.conns[handle] != nil
}

// EmitToUser sends the event to the user's current connection, if online.
// Returns whether a delivery was attempted.
func (r *Router) EmitToUser(userId string, event string, payload interface{}) bool {
	handle, online := r.registry.HandleOf(userId)
	if !online {
		return false
	}
	r.lock.RLock()
	conn := r.conns[handle]
	r.lock.RUnlock()
	if conn == nil {
		return false
	}
	r.emit(conn, event, payload)
	return true
}

// EmitToConversationParticipants resolves the conversation's participants
// from the store and emits to each, except the excluded user ids. Offline
// participants are skipped silently.
func (r *Router) EmitToConversationParticipants(ctx context.Context, conversationId string, event string, payload interface{}, excludedUserIds ...string) error {
	participantIds, err := r.store.FindConversationParticipants(ctx, conversationId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	excluded := make(map[string]bool, len(excludedUserIds))
	for _, userId := range excludedUserIds {
		excluded[userId] = true
	}
	for _, userId := range participantIds {
		if !excluded[userId] {
			r.EmitToUser(userId, event, payload)
		}
	}
	return nil
}

// Broadcast sends the event to every registered connection.
func (r *Router) Broadcast(event string, payload interface{}) {
	r.lock.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.lock.RUnlock()
	for _, conn := range targets {
		r.emit(conn, event, payload)
	}
}

func (r *Router) emit(conn Conn, event string, payload interface{}) {
	err := conn.Emit(event, payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("handle", conn.Handle()).Str("event", event).Msg("Emit failed")
	}
}
