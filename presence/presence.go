// Package presence tracks which users currently have a live realtime
// connection, and broadcasts the online set, debounced, whenever it changes.
package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/rs/zerolog"
)

const (
	// DefaultDebounceWindow coalesces bursts of presence changes into a
	// single snapshot broadcast.
	DefaultDebounceWindow = 500 * time.Millisecond
	// DefaultDisconnectGrace keeps a session alive briefly after its
	// connection drops, so quick reconnects and screen transitions do not
	// flap the online list.
	DefaultDisconnectGrace = 2000 * time.Millisecond
)

// OnlineUser is one entry of the broadcast snapshot.
type OnlineUser struct {
	UserId       string                     `json:"user_id"`
	Profile      *common_models.UserProfile `json:"profile,omitempty"`
	LastActivity time.Time                  `json:"last_activity"`
}

type session struct {
	userId       string
	handle       string
	lastActivity time.Time
	profile      *common_models.UserProfile
}

// Registry owns the sessions. All mutation goes through the internal lock:
// connection events are handled on separate goroutines.
type Registry struct {
	lock     sync.Mutex
	sessions map[string]*session

	clock           clock.Clock
	logger          zerolog.Logger
	debounceWindow  time.Duration
	disconnectGrace time.Duration

	// OnSnapshot receives the debounced online-user list. Set once at wiring
	// time, before any event is processed.
	OnSnapshot func([]OnlineUser)
	// OnRemoved fires when a session is actually removed, after the grace
	// delay, so dependent state (conversation activity) can be cleared.
	OnRemoved func(userId string)

	pendingBroadcast *clock.Timer
}

type Options struct {
	Clock           clock.Clock
	Logger          zerolog.Logger
	DebounceWindow  time.Duration
	DisconnectGrace time.Duration
}

func NewRegistry(options Options) *Registry {
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.DebounceWindow == 0 {
		options.DebounceWindow = DefaultDebounceWindow
	}
	if options.DisconnectGrace == 0 {
		options.DisconnectGrace = DefaultDisconnectGrace
	}
	return &Registry{
		sessions:        make(map[string]*session),
		clock:           options.Clock,
		logger:          options.Logger.With().Str("component", "presence").Logger(),
		debounceWindow:  options.DebounceWindow,
		disconnectGrace: options.DisconnectGrace,
	}
}

// Identify upserts the session for userId. A pre-existing session gets its
// connection handle replaced, which is how reconnect-with-new-handle works.
func (r *Registry) Identify(userId string, connectionHandle string, profile *common_models.UserProfile) {
	r.lock.Lock()
	existing := r.sessions[userId]
	if existing != nil {
		existing.handle = connectionHandle
		existing.lastActivity = r.clock.Now()
		if profile != nil {
			existing.profile = profile
		}
	} else {
		r.sessions[userId] = &session{
			userId:       userId,
			handle:       connectionHandle,
			lastActivity: r.clock.Now(),
			profile:      profile,
		}
	}
	r.lock.Unlock()
	r.logger.Debug().Str("userId", userId).Str("handle", connectionHandle).Msg("Identified")
	r.BroadcastSnapshot()
}

// Touch refreshes lastActivity without changing the handle. No-op for
// unknown users.
func (r *Registry) Touch(userId string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if s := r.sessions[userId]; s != nil {
		s.lastActivity = r.clock.Now()
	}
}

// Disconnect schedules removal of every session owning connectionHandle
// after the grace delay. A user who re-identified with a new handle in the
// interim is kept.
func (r *Registry) Disconnect(connectionHandle string) {
	r.lock.Lock()
	var userIds []string
	for id, s := range r.sessions {
		if s.handle == connectionHandle {
			userIds = append(userIds, id)
		}
	}
	r.lock.Unlock()
	if len(userIds) == 0 {
		return
	}

	r.clock.AfterFunc(r.disconnectGrace, func() {
		var removed []string
		r.lock.Lock()
		for _, userId := range userIds {
			s := r.sessions[userId]
			if s != nil && s.handle == connectionHandle {
				delete(r.sessions, userId)
				removed = append(removed, userId)
			}
		}
		r.lock.Unlock()
		for _, userId := range removed {
			r.logger.Debug().Str("userId", userId).Msg("Session removed after disconnect grace")
			if r.OnRemoved != nil {
				r.OnRemoved(userId)
			}
		}
		if len(removed) > 0 {
			r.BroadcastSnapshot()
		}
	})
}

// IsOnline reports whether userId has a live session.
func (r *Registry) IsOnline(userId string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sessions[userId] != nil
}

// HandleOf returns the current connection handle of userId.
func (r *Registry) HandleOf(userId string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := r.sessions[userId]
	if s == nil {
		return "", false
	}
	return s.handle, true
}

// OnlineUsers returns a snapshot of the online set.
func (r *Registry) OnlineUsers() []OnlineUser {
	r.lock.Lock()
	defer r.lock.Unlock()
	users := make([]OnlineUser, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, OnlineUser{UserId: s.userId, Profile: s.profile, LastActivity: s.lastActivity})
	}
	return users
}

// BroadcastSnapshot emits the online list through OnSnapshot, coalesced:
// repeated calls within the debounce window cancel and reschedule the
// pending emission, so only the latest state goes out.
func (r *Registry) BroadcastSnapshot() {
	r.lock.Lock()
	if r.pendingBroadcast != nil {
		r.pendingBroadcast.Stop()
	}
	r.pendingBroadcast = r.clock.AfterFunc(r.debounceWindow, func() {
		r.lock.Lock()
		r.pendingBroadcast = nil
		r.lock.Unlock()
		if r.OnSnapshot != nil {
			r.OnSnapshot(r.OnlineUsers())
		}
	})
	r.lock.Unlock()
}
