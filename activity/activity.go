// Package activity tracks which users are actively viewing which
// conversation, so notification fan-out can skip users already looking at
// the thread. Entries expire lazily, plus a periodic sweep reclaims memory
// for entries nobody asks about.
package activity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// DefaultExpiry is how long an entry stays fresh without a heartbeat.
	DefaultExpiry = 30000 * time.Millisecond
	// DefaultSweepInterval is how often stale entries are reclaimed.
	DefaultSweepInterval = 60000 * time.Millisecond
)

type entry struct {
	lastSeen time.Time
}

// Tracker maps (userId, conversationId) to the last time the user signalled
// they were viewing that conversation.
type Tracker struct {
	lock sync.Mutex
	// userId -> conversationId -> entry
	entries map[string]map[string]*entry

	clock  clock.Clock
	logger zerolog.Logger
	expiry time.Duration

	sweeper *clock.Ticker
	done    chan struct{}
}

type Options struct {
	Clock         clock.Clock
	Logger        zerolog.Logger
	Expiry        time.Duration
	SweepInterval time.Duration
}

func NewTracker(options Options) *Tracker {
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Expiry == 0 {
		options.Expiry = DefaultExpiry
	}
	if options.SweepInterval == 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	t := &Tracker{
		entries: make(map[string]map[string]*entry),
		clock:   options.Clock,
		logger:  options.Logger.With().Str("component", "activity").Logger(),
		expiry:  options.Expiry,
		done:    make(chan struct{}),
	}
	t.sweeper = options.Clock.Ticker(options.SweepInterval)
	go t.sweepLoop()
	return t
}

// Close stops the background sweep.
func (t *Tracker) Close() {
	t.sweeper.Stop()
	close(t.done)
}

func (t *Tracker) sweepLoop() {
	for {
		select {
		case <-t.sweeper.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()
	t.lock.Lock()
	removed := 0
	for userId, conversations := range t.entries {
		for conversationId, e := range conversations {
			if now.Sub(e.lastSeen) > t.expiry {
				delete(conversations, conversationId)
				removed++
			}
		}
		if len(conversations) == 0 {
			delete(t.entries, userId)
		}
	}
	t.lock.Unlock()
	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Msg("Swept stale activity entries")
	}
}

// MarkActive records that userId is viewing conversationId.
func (t *Tracker) MarkActive(userId string, conversationId string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	conversations := t.entries[userId]
	if conversations == nil {
		conversations = make(map[string]*entry)
		t.entries[userId] = conversations
	}
	conversations[conversationId] = &entry{lastSeen: t.clock.Now()}
}

// Touch refreshes the entry if it exists and is still fresh. A stale or
// missing entry is left alone: the client has to re-mark explicitly.
func (t *Tracker) Touch(userId string, conversationId string) {
	now := t.clock.Now()
	t.lock.Lock()
	defer t.lock.Unlock()
	e := t.lookup(userId, conversationId, now)
	if e != nil {
		e.lastSeen = now
	}
}

// MarkInactive removes the entry. No-op if absent.
func (t *Tracker) MarkInactive(userId string, conversationId string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	conversations := t.entries[userId]
	if conversations == nil {
		return
	}
	delete(conversations, conversationId)
	if len(conversations) == 0 {
		delete(t.entries, userId)
	}
}

// IsActive reports whether userId has a fresh entry for conversationId.
// Stale entries are removed on the spot.
func (t *Tracker) IsActive(userId string, conversationId string) bool {
	now := t.clock.Now()
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.lookup(userId, conversationId, now) != nil
}

// ActiveUsersIn returns the users with a fresh entry for conversationId.
func (t *Tracker) ActiveUsersIn(conversationId string) []string {
	now := t.clock.Now()
	t.lock.Lock()
	defer t.lock.Unlock()
	var users []string
	for userId := range t.entries {
		if t.lookup(userId, conversationId, now) != nil {
			users = append(users, userId)
		}
	}
	return users
}

// ClearAllFor drops every entry of userId, used when their connection goes
// away for good.
func (t *Tracker) ClearAllFor(userId string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.entries, userId)
}

// lookup returns the entry if fresh, expiring it lazily otherwise. Callers
// hold the lock.
func (t *Tracker) lookup(userId string, conversationId string, now time.Time) *entry {
	conversations := t.entries[userId]
	if conversations == nil {
		return nil
	}
	e := conversations[conversationId]
	if e == nil {
		return nil
	}
	if now.Sub(e.lastSeen) > t.expiry {
		delete(conversations, conversationId)
		if len(conversations) == 0 {
			delete(t.entries, userId)
		}
		return nil
	}
	return e
}
