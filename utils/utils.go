package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ztrue/tracerr"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrorInvalidUUID is returned when a UUID is invalid
	ErrorInvalidUUID = NewValidationError("INVALID_UUID", "invalid UUID")
	// ErrorInvalidUUIDSlice is returned when the given slice of UUID include an invalid UUID
	ErrorInvalidUUIDSlice = NewValidationError("INVALID_UUID_SLICE", "invalid UUID in slice")
	// ErrorNotUnique is returned when items in a slice are not unique.
	ErrorNotUnique = NewValidationError("NOT_UNIQUE", "not unique")
)

var (
	UUIDRegexp = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return b, nil
}

func IsUUID(uuid string) bool {
	return UUIDRegexp.MatchString(uuid)
}

func CheckUUID(uuid string) error {
	if IsUUID(uuid) {
		return nil
	}
	return tracerr.Wrap(ErrorInvalidUUID.AddDetails(uuid))
}

func CheckUUIDSlice(uuids []string) error {
	for _, uuid := range uuids {
		if !IsUUID(uuid) {
			return tracerr.Wrap(ErrorInvalidUUIDSlice.AddDetails(uuid))
		}
	}
	return nil
}

// Set implements three methods: Add, Remove & Has.
// It needs to be defined with a comparable generic type such as int or string.
// The len operator can be used on Set.
type Set[T comparable] map[T]struct{}

// Add adds the given element to the Set.
func (s Set[T]) Add(element T) {
	s[element] = struct{}{}
}

// Remove removes given element from Set. If element is not in Set, Remove is a no-op.
func (s Set[T]) Remove(element T) {
	delete(s, element)
}

// Has checks if element is in Set, and returns true or false.
func (s Set[T]) Has(element T) bool {
	_, ok := s[element]
	return ok
}

func SliceMap[T interface{}, U interface{}](s []T, f func(T) U) []U {
	output := make([]U, len(s))
	for i, e := range s {
		output[i] = f(e)
	}
	return output
}

func SliceIncludes[T comparable](s []T, u T) bool {
	for _, e := range s {
		if e == u {
			return true
		}
	}
	return false
}

func UniqueSlice[T comparable](slice []T) []T {
	uniqueMap := make(map[T]any)
	for _, el := range slice {
		uniqueMap[el] = nil
	}

	var uniqueSlice []T
	for key := range uniqueMap {
		uniqueSlice = append(uniqueSlice, key)
	}

	return uniqueSlice
}

func CheckSliceUnique[T comparable](slice []T) error {
	for xi, x := range slice {
		for _, y := range slice[xi+1:] {
			if x == y {
				return ErrorNotUnique.AddDetails(fmt.Sprint(x))
			}
		}
	}
	return nil
}

// NormalizeString applies NFKC normalization; used on filenames and display
// names coming from clients, which may arrive in any unicode form.
func NormalizeString(s string) string {
	return string(norm.NFKC.Bytes([]byte(s)))
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Ternary is a helper function to inline ternary operations
func Ternary[T any](condition bool, valTrue T, valFalse T) T {
	if condition {
		return valTrue
	}
	return valFalse
}

// Base64DecodeString decodes a Base64-encoded string, handling both
// padded and non-padded input.
func Base64DecodeString(s string) ([]byte, error) {
	if strings.Contains(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

type MutexGroup struct {
	internalMap     map[string]*sync.Mutex
	internalMapLock sync.RWMutex
	globalLock      sync.Mutex
}

func (group *MutexGroup) getLock(key string, createIfNecessary bool) *sync.Mutex {
	group.internalMapLock.RLock()
	lock := group.internalMap[key]
	group.internalMapLock.RUnlock()
	if lock == nil {
		if !createIfNecessary {
			panic("Trying to unlock a lock which does not exist")
		}
		group.internalMapLock.Lock()
		// maybe another goroutine created it before we acquired the global write lock?
		lock = group.internalMap[key]
		if lock == nil {
			lock = &sync.Mutex{}
			if group.internalMap == nil {
				group.internalMap = make(map[string]*sync.Mutex)
			}
			group.internalMap[key] = lock
		}
		group.internalMapLock.Unlock()
	}
	return lock
}

func (group *MutexGroup) Lock(key string) {
	group.getLock(key, true).Lock()
}

func (group *MutexGroup) Unlock(key string) {
	group.getLock(key, false).Unlock()
}
