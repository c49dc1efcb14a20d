// Package objectstore abstracts the external blob storage encrypted file
// ciphertexts live in. Authenticated-mode objects are not fetchable by URL
// alone; access goes through signed URLs issued by the filevault.
package objectstore

import (
	"context"

	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/utils"
)

var (
	// ErrorPutFailed is returned when the blob cannot be stored
	ErrorPutFailed = utils.NewExternalError("OBJECT_STORE_PUT_FAILED", "could not store object")
	// ErrorGetFailed is returned when the blob cannot be fetched
	ErrorGetFailed = utils.NewExternalError("OBJECT_STORE_GET_FAILED", "could not fetch object")
	// ErrorDestroyFailed is returned when the blob cannot be deleted
	ErrorDestroyFailed = utils.NewExternalError("OBJECT_STORE_DESTROY_FAILED", "could not delete object")
	// ErrorObjectNotFound is returned by Get when the locator does not exist
	ErrorObjectNotFound = utils.NewNotFoundError("OBJECT_STORE_NOT_FOUND", "object not found")
)

// ObjectStore is the external blob-storage collaborator.
type ObjectStore interface {
	// Put stores data under a fresh locator and returns it.
	Put(ctx context.Context, data []byte, access common_models.AccessMode, contentType string) (string, error)
	// Get fetches the object bytes. Implementations fetch through a signed
	// URL when the backend requires one.
	Get(ctx context.Context, locator string) ([]byte, error)
	// Destroy deletes the object, explicitly targeting the resource in the
	// given access mode. A missing object is not an error: deletion is
	// idempotent.
	Destroy(ctx context.Context, locator string, access common_models.AccessMode) error
	// PublicURL returns the stable URL of a public-mode object. Meaningless
	// for authenticated-mode objects.
	PublicURL(locator string) string
}
