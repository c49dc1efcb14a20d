package utils

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtils(t *testing.T) {
	t.Parallel()

	t.Run("GenerateRandomBytes", func(t *testing.T) {
		t.Parallel()
		b1, err := GenerateRandomBytes(32)
		require.NoError(t, err)
		assert.Len(t, b1, 32)
		b2, err := GenerateRandomBytes(32)
		require.NoError(t, err)
		assert.NotEqual(t, b1, b2)
	})

	t.Run("UUID checks", func(t *testing.T) {
		t.Parallel()
		assert.True(t, IsUUID("067e6162-3b6f-4ae2-a171-2470b63dff00"))
		assert.False(t, IsUUID("067e6162-3b6f-4ae2-a171"))
		assert.False(t, IsUUID("not a uuid"))

		assert.NoError(t, CheckUUID("067e6162-3b6f-4ae2-a171-2470b63dff00"))
		assert.ErrorIs(t, CheckUUID("nope"), ErrorInvalidUUID)
		assert.ErrorIs(t, CheckUUIDSlice([]string{"067e6162-3b6f-4ae2-a171-2470b63dff00", "nope"}), ErrorInvalidUUIDSlice)
	})

	t.Run("Set", func(t *testing.T) {
		t.Parallel()
		s := Set[string]{}
		s.Add("a")
		s.Add("a")
		s.Add("b")
		assert.Len(t, s, 2)
		assert.True(t, s.Has("a"))
		s.Remove("a")
		assert.False(t, s.Has("a"))
		s.Remove("never-added")
	})

	t.Run("slice helpers", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"1", "2", "3"}, SliceMap([]int{1, 2, 3}, strconv.Itoa))
		assert.True(t, SliceIncludes([]string{"a", "b"}, "b"))
		assert.False(t, SliceIncludes([]string{"a", "b"}, "c"))
		assert.ElementsMatch(t, []int{1, 2, 3}, UniqueSlice([]int{1, 2, 2, 3, 1}))
		assert.NoError(t, CheckSliceUnique([]string{"a", "b"}))
		assert.ErrorIs(t, CheckSliceUnique([]string{"a", "b", "a"}), ErrorNotUnique)
	})

	t.Run("NormalizeString", func(t *testing.T) {
		t.Parallel()
		// NFD input normalizes to the composed form
		assert.Equal(t, "é", NormalizeString("é"))
		assert.Equal(t, "plain", NormalizeString("plain"))
	})

	t.Run("Min/Max/Ternary", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 1, Min(1, 2))
		assert.Equal(t, 2, Max(1, 2))
		assert.Equal(t, "yes", Ternary(true, "yes", "no"))
		assert.Equal(t, "no", Ternary(false, "yes", "no"))
	})

	t.Run("Base64DecodeString", func(t *testing.T) {
		t.Parallel()
		padded, err := Base64DecodeString("aGVsbG8=")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), padded)
		raw, err := Base64DecodeString("aGVsbG8")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), raw)
	})

	t.Run("MutexGroup serializes per key", func(t *testing.T) {
		t.Parallel()
		var group MutexGroup
		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				group.Lock("key")
				counter++
				group.Unlock("key")
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, counter)
	})
}

func TestKapyError(t *testing.T) {
	t.Parallel()

	t.Run("kinds and predicates", func(t *testing.T) {
		t.Parallel()
		assert.True(t, IsValidation(ErrorInvalidUUID))
		assert.False(t, IsNotFound(ErrorInvalidUUID))
		assert.Equal(t, KindValidation, KindOf(ErrorInvalidUUID))
		assert.Equal(t, KindInternal, KindOf(assert.AnError))
	})

	t.Run("AddDetails keeps identity", func(t *testing.T) {
		t.Parallel()
		detailed := ErrorInvalidUUID.AddDetails("abc")
		assert.ErrorIs(t, detailed, ErrorInvalidUUID)
		assert.Contains(t, detailed.Error(), "abc")
	})

	t.Run("duplicate codes panic", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { NewKapyError("INVALID_UUID", "dup") })
	})
}
