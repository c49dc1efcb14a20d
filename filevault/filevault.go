// Package filevault is the key-wrap encryption store: a file is encrypted
// once with a symmetric content key by the uploading client, and that key is
// wrapped individually for every authorized recipient. The vault persists
// the record, keeps the ciphertext in authenticated object storage, and
// gates access behind short-lived signed URLs.
package filevault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/objectstore"
	"github.com/kapy-chat/kapy-core/store"
	"github.com/kapy-chat/kapy-core/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorUploadNoRecipients is returned when an encrypted upload carries no recipient keys
	ErrorUploadNoRecipients = utils.NewValidationError("FILEVAULT_UPLOAD_NO_RECIPIENTS", "an encrypted file needs at least one recipient key")
	// ErrorUploadDuplicateRecipient is returned when two recipient keys target the same recipient
	ErrorUploadDuplicateRecipient = utils.NewValidationError("FILEVAULT_UPLOAD_DUPLICATE_RECIPIENT", "recipient keys must target distinct recipients")
	// ErrorUploadInvalidSize is returned when a plaintext or ciphertext size is not positive
	ErrorUploadInvalidSize = utils.NewValidationError("FILEVAULT_UPLOAD_INVALID_SIZE", "plaintext and ciphertext sizes must be positive")
	// ErrorUploadEmptyCiphertext is returned when the ciphertext itself is empty
	ErrorUploadEmptyCiphertext = utils.NewValidationError("FILEVAULT_UPLOAD_EMPTY_CIPHERTEXT", "ciphertext is empty")
	// ErrorNotAuthorized is returned when the requester may not access the file
	ErrorNotAuthorized = utils.NewUnauthorizedError("FILEVAULT_NOT_AUTHORIZED", "requester is not authorized for this file")
	// ErrorBatchAllFailed is returned when every item of a batch upload failed
	ErrorBatchAllFailed = utils.NewValidationError("FILEVAULT_BATCH_ALL_FAILED", "all files in the batch failed to upload")
	// ErrorNoRecipientKey is returned when the requester holds no wrapped key for the file
	ErrorNoRecipientKey = utils.NewNotFoundError("FILEVAULT_NO_RECIPIENT_KEY", "no recipient key for this user")
)

const DefaultAccessTTL = time.Hour

type Vault struct {
	store     store.Store
	objects   objectstore.ObjectStore
	signer    *Signer
	clock     clock.Clock
	logger    zerolog.Logger
	accessTTL time.Duration
}

// Options configures a Vault. Store, Objects and Signer are required; Clock
// defaults to the wall clock, AccessTTL to one hour.
type Options struct {
	Store     store.Store
	Objects   objectstore.ObjectStore
	Signer    *Signer
	Clock     clock.Clock
	Logger    zerolog.Logger
	AccessTTL time.Duration
}

func New(options Options) *Vault {
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.AccessTTL == 0 {
		options.AccessTTL = DefaultAccessTTL
	}
	return &Vault{
		store:     options.Store,
		objects:   options.Objects,
		signer:    options.Signer,
		clock:     options.Clock,
		logger:    options.Logger.With().Str("component", "filevault").Logger(),
		accessTTL: options.AccessTTL,
	}
}

// UploadRequest carries one client-side encrypted file. The vault never sees
// plaintext or unwrapped content keys.
type UploadRequest struct {
	UploaderId    string
	Filename      string
	MimeType      string
	PlaintextSize int64
	Ciphertext    []byte
	IV            []byte
	Tag           []byte
	RecipientKeys []common_models.RecipientKey
}

func (request *UploadRequest) validate() error {
	if len(request.RecipientKeys) == 0 {
		return tracerr.Wrap(ErrorUploadNoRecipients)
	}
	recipients := utils.SliceMap(request.RecipientKeys, func(k common_models.RecipientKey) string { return k.RecipientId })
	if err := utils.CheckSliceUnique(recipients); err != nil {
		return tracerr.Wrap(ErrorUploadDuplicateRecipient.AddDetails(err.Error()))
	}
	if len(request.Ciphertext) == 0 {
		return tracerr.Wrap(ErrorUploadEmptyCiphertext)
	}
	if request.PlaintextSize <= 0 {
		return tracerr.Wrap(ErrorUploadInvalidSize)
	}
	return nil
}

// UploadEncrypted stores the ciphertext under authenticated access and
// persists the EncryptedFile record with its recipient key set.
func (vault *Vault) UploadEncrypted(ctx context.Context, request *UploadRequest) (*common_models.EncryptedFile, error) {
	err := request.validate()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	fileId := uuid.New().String()
	contentHash := sha256.Sum256(request.Ciphertext)
	sealed, err := sealHeader(fileId, request.Ciphertext)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	locator, err := vault.objects.Put(ctx, sealed, common_models.AccessModeAuthenticated, "application/octet-stream")
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	file := &common_models.EncryptedFile{
		Id:             fileId,
		UploaderId:     request.UploaderId,
		Filename:       utils.NormalizeString(request.Filename),
		MimeType:       request.MimeType,
		PlaintextSize:  request.PlaintextSize,
		CiphertextSize: int64(len(request.Ciphertext)),
		IsEncrypted:    true,
		IV:             request.IV,
		Tag:            request.Tag,
		ContentHash:    contentHash[:],
		StorageLocator: locator,
		AccessMode:     common_models.AccessModeAuthenticated,
		RecipientKeys:  request.RecipientKeys,
		CreatedAt:      vault.clock.Now(),
	}
	err = vault.store.CreateEncryptedFile(ctx, file)
	if err != nil {
		// the record is the source of truth; without it the blob is garbage
		destroyErr := vault.objects.Destroy(ctx, locator, common_models.AccessModeAuthenticated)
		if destroyErr != nil {
			vault.logger.Error().Err(destroyErr).Str("locator", locator).Msg("Could not clean up orphaned object after failed record creation")
		}
		return nil, tracerr.Wrap(err)
	}

	vault.logger.Debug().Str("fileId", file.Id).Int("recipients", len(file.RecipientKeys)).Msg("Stored encrypted file")
	return file, nil
}

// BatchFailure reports one failed item of a batch upload.
type BatchFailure struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type BatchResult struct {
	Successful []*common_models.EncryptedFile `json:"successful"`
	Failed     []BatchFailure                 `json:"failed"`
}

// UploadEncryptedBatch uploads every item and reports per-item outcomes.
// Only when all items fail is the request itself an error.
func (vault *Vault) UploadEncryptedBatch(ctx context.Context, requests []*UploadRequest) (*BatchResult, error) {
	result := &BatchResult{}
	for i, request := range requests {
		file, err := vault.UploadEncrypted(ctx, request)
		if err != nil {
			vault.logger.Warn().Err(err).Int("index", i).Str("filename", request.Filename).Msg("Batch item failed")
			result.Failed = append(result.Failed, BatchFailure{Index: i, Filename: request.Filename, Reason: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, file)
	}
	if len(requests) > 0 && len(result.Successful) == 0 {
		return nil, tracerr.Wrap(ErrorBatchAllFailed)
	}
	return result, nil
}

// SignedAccess is a time-boxed grant to fetch a file's ciphertext.
type SignedAccess struct {
	URL       string                       `json:"url"`
	ExpiresAt time.Time                    `json:"expires_at"`
	File      *common_models.EncryptedFile `json:"metadata"`
}

func (vault *Vault) authorize(ctx context.Context, file *common_models.EncryptedFile, requesterId string) error {
	if requesterId == file.UploaderId {
		return nil
	}
	// membership in the conversation owning the referencing message is the
	// primary grant
	message, err := vault.store.FindMessageByAttachment(ctx, file.Id)
	if err == nil {
		participants, err := vault.store.FindConversationParticipants(ctx, message.ConversationId)
		if err != nil {
			return tracerr.Wrap(err)
		}
		if utils.SliceIncludes(participants, requesterId) {
			return nil
		}
	} else if !utils.IsNotFound(err) {
		return tracerr.Wrap(err)
	}
	// a recipient key is an independent grant: it survives leaving the
	// conversation, and is individually revocable
	for _, key := range file.RecipientKeys {
		if key.RecipientId == requesterId {
			return nil
		}
	}
	return tracerr.Wrap(ErrorNotAuthorized.AddDetails(requesterId))
}

// IssueSignedAccess authorizes requesterId and returns a signed URL valid for
// the configured window. Non-encrypted public files skip authorization and
// signature, and return their plain public URL.
func (vault *Vault) IssueSignedAccess(ctx context.Context, fileId string, requesterId string) (*SignedAccess, error) {
	file, err := vault.store.FindEncryptedFile(ctx, fileId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if !file.IsEncrypted && file.AccessMode == common_models.AccessModePublic {
		return &SignedAccess{URL: vault.objects.PublicURL(file.StorageLocator), File: file}, nil
	}

	err = vault.authorize(ctx, file, requesterId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	expiresAt := vault.clock.Now().Add(vault.accessTTL)
	signedURL, err := vault.signer.Issue(file.StorageLocator, expiresAt)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &SignedAccess{URL: signedURL, ExpiresAt: expiresAt, File: file}, nil
}

// DownloadResult carries everything a recipient needs to decrypt locally,
// along with their wrapped key (looked up separately via UnwrapKeyFor).
type DownloadResult struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

// DownloadEncrypted issues signed access for requesterId and fetches the
// ciphertext through it. A content-hash mismatch against the hash recorded
// at upload is logged, not failed: the object store may transparently
// transcode.
func (vault *Vault) DownloadEncrypted(ctx context.Context, fileId string, requesterId string) (*DownloadResult, error) {
	access, err := vault.IssueSignedAccess(ctx, fileId, requesterId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	locator, err := vault.signer.Verify(access.URL, vault.clock.Now())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	data, err := vault.objects.Get(ctx, locator)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	header, ciphertext, err := parseHeader(data)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if header.FileId != fileId {
		return nil, tracerr.Wrap(ErrorFileHeaderMismatch.AddDetails(header.FileId))
	}

	if len(access.File.ContentHash) > 0 {
		downloadedHash := sha256.Sum256(ciphertext)
		if !bytes.Equal(downloadedHash[:], access.File.ContentHash) {
			vault.logger.Warn().Str("fileId", fileId).Msg("Downloaded content hash does not match hash recorded at upload")
		}
	}

	return &DownloadResult{Ciphertext: ciphertext, IV: access.File.IV, Tag: access.File.Tag}, nil
}

// DeleteEncrypted removes the object-store resource then the record.
// Idempotent: a missing object or record is not an error.
func (vault *Vault) DeleteEncrypted(ctx context.Context, fileId string) error {
	file, err := vault.store.FindEncryptedFile(ctx, fileId)
	if err != nil {
		if utils.IsNotFound(err) {
			vault.logger.Debug().Str("fileId", fileId).Msg("File already deleted")
			return nil
		}
		return tracerr.Wrap(err)
	}

	err = vault.objects.Destroy(ctx, file.StorageLocator, file.AccessMode)
	if err != nil && !utils.IsNotFound(err) {
		return tracerr.Wrap(err)
	}
	err = vault.store.DeleteEncryptedFile(ctx, fileId)
	if err != nil {
		return tracerr.Wrap(err)
	}
	vault.logger.Debug().Str("fileId", fileId).Msg("Deleted encrypted file")
	return nil
}

// UnwrapKeyFor returns recipientId's wrapped key for the file, or nil when no
// key exists for them. Pure lookup; the actual unwrap happens client-side.
func (vault *Vault) UnwrapKeyFor(ctx context.Context, fileId string, recipientId string) (*common_models.RecipientKey, error) {
	file, err := vault.store.FindEncryptedFile(ctx, fileId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	for i := range file.RecipientKeys {
		if file.RecipientKeys[i].RecipientId == recipientId {
			return &file.RecipientKeys[i], nil
		}
	}
	return nil, nil
}
