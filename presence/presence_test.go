package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotRecorder struct {
	lock      sync.Mutex
	snapshots [][]OnlineUser
}

func (r *snapshotRecorder) record(users []OnlineUser) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.snapshots = append(r.snapshots, users)
}

func (r *snapshotRecorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.snapshots)
}

func (r *snapshotRecorder) last() []OnlineUser {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func newTestRegistry() (*Registry, *snapshotRecorder, *clock.Mock) {
	mockClock := clock.NewMock()
	registry := NewRegistry(Options{Clock: mockClock, Logger: zerolog.Nop()})
	recorder := &snapshotRecorder{}
	registry.OnSnapshot = recorder.record
	return registry, recorder, mockClock
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("identify makes a user online", func(t *testing.T) {
		t.Parallel()
		registry, _, _ := newTestRegistry()
		assert.False(t, registry.IsOnline("alice"))
		registry.Identify("alice", "conn-1", &common_models.UserProfile{Id: "alice", DisplayName: "Alice"})
		assert.True(t, registry.IsOnline("alice"))

		handle, online := registry.HandleOf("alice")
		require.True(t, online)
		assert.Equal(t, "conn-1", handle)
	})

	t.Run("re-identify replaces the connection handle", func(t *testing.T) {
		t.Parallel()
		registry, _, _ := newTestRegistry()
		registry.Identify("alice", "conn-1", nil)
		registry.Identify("alice", "conn-2", nil)
		handle, online := registry.HandleOf("alice")
		require.True(t, online)
		assert.Equal(t, "conn-2", handle)
	})

	t.Run("disconnect removes every session on the handle", func(t *testing.T) {
		t.Parallel()
		registry, _, mockClock := newTestRegistry()
		removed := map[string]bool{}
		registry.OnRemoved = func(userId string) { removed[userId] = true }
		registry.Identify("alice", "conn-1", nil)
		registry.Identify("bob", "conn-1", nil)

		registry.Disconnect("conn-1")
		mockClock.Add(DefaultDisconnectGrace)

		assert.False(t, registry.IsOnline("alice"))
		assert.False(t, registry.IsOnline("bob"))
		assert.True(t, removed["alice"])
		assert.True(t, removed["bob"])
	})

	t.Run("debounce coalesces rapid changes into one broadcast", func(t *testing.T) {
		t.Parallel()
		registry, recorder, mockClock := newTestRegistry()

		// 5 rapid identify calls within 400ms
		for i, userId := range []string{"alice", "bob", "carol", "dave", "eve"} {
			registry.Identify(userId, "conn", nil)
			if i < 4 {
				mockClock.Add(100 * time.Millisecond)
			}
		}
		assert.Equal(t, 0, recorder.count())

		mockClock.Add(DefaultDebounceWindow)
		require.Equal(t, 1, recorder.count())
		assert.Len(t, recorder.last(), 5)
	})

	t.Run("disconnect removes the session after the grace delay", func(t *testing.T) {
		t.Parallel()
		registry, recorder, mockClock := newTestRegistry()
		registry.Identify("alice", "conn-1", nil)
		mockClock.Add(DefaultDebounceWindow)
		require.Equal(t, 1, recorder.count())

		registry.Disconnect("conn-1")
		mockClock.Add(DefaultDisconnectGrace - time.Millisecond)
		assert.True(t, registry.IsOnline("alice"))

		mockClock.Add(time.Millisecond + DefaultDebounceWindow)
		assert.False(t, registry.IsOnline("alice"))
		require.Equal(t, 2, recorder.count())
		assert.Empty(t, recorder.last())
	})

	t.Run("reconnect within the grace keeps the user online", func(t *testing.T) {
		t.Parallel()
		registry, _, mockClock := newTestRegistry()
		registry.Identify("alice", "conn-1", nil)
		registry.Disconnect("conn-1")

		mockClock.Add(DefaultDisconnectGrace / 2)
		registry.Identify("alice", "conn-2", nil)

		// the scheduled removal fires but targets the stale handle
		mockClock.Add(DefaultDisconnectGrace)
		assert.True(t, registry.IsOnline("alice"))
		handle, _ := registry.HandleOf("alice")
		assert.Equal(t, "conn-2", handle)
	})

	t.Run("disconnect of an unknown handle is a no-op", func(t *testing.T) {
		t.Parallel()
		registry, recorder, mockClock := newTestRegistry()
		registry.Disconnect("never-seen")
		mockClock.Add(DefaultDisconnectGrace + DefaultDebounceWindow)
		assert.Equal(t, 0, recorder.count())
	})

	t.Run("removal notifies OnRemoved", func(t *testing.T) {
		t.Parallel()
		registry, _, mockClock := newTestRegistry()
		var removed []string
		var removedLock sync.Mutex
		registry.OnRemoved = func(userId string) {
			removedLock.Lock()
			removed = append(removed, userId)
			removedLock.Unlock()
		}
		registry.Identify("alice", "conn-1", nil)
		registry.Disconnect("conn-1")
		mockClock.Add(DefaultDisconnectGrace)

		removedLock.Lock()
		defer removedLock.Unlock()
		assert.Equal(t, []string{"alice"}, removed)
	})

	t.Run("touch refreshes lastActivity", func(t *testing.T) {
		t.Parallel()
		registry, _, mockClock := newTestRegistry()
		registry.Identify("alice", "conn-1", nil)
		identifiedAt := mockClock.Now()

		mockClock.Add(10 * time.Second)
		registry.Touch("alice")

		users := registry.OnlineUsers()
		require.Len(t, users, 1)
		assert.Equal(t, identifiedAt.Add(10*time.Second), users[0].LastActivity)
	})
}
