package gateway

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kapy-chat/kapy-core/common_models"
	"github.com/kapy-chat/kapy-core/filevault"
	"github.com/kapy-chat/kapy-core/utils"
)

// httpStatusFor maps the error taxonomy to HTTP status codes.
func httpStatusFor(err error) int {
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return fiber.StatusBadRequest
	case utils.KindUnauthorized:
		return fiber.StatusForbidden
	case utils.KindNotFound:
		return fiber.StatusNotFound
	case utils.KindConflict:
		return fiber.StatusConflict
	case utils.KindExternal:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (g *Gateway) httpError(c *fiber.Ctx, err error) error {
	payload := errorPayload{Code: "INTERNAL", Description: "internal error"}
	var kapyError utils.KapyError
	if errors.As(err, &kapyError) {
		payload.Code = kapyError.Code
		payload.Description = kapyError.Description
	} else {
		g.logger.Error().Err(err).Str("path", c.Path()).Msg("Unclassified request error")
	}
	return c.Status(httpStatusFor(err)).JSON(payload)
}

// requireBearer authenticates REST calls with the same connect tokens the
// socket uses, and stashes the subject in locals.
func (g *Gateway) requireBearer(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return g.httpError(c, ErrorAuthBadToken)
	}
	userId, err := g.auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return g.httpError(c, err)
	}
	c.Locals("userId", userId)
	return c.Next()
}

func requesterId(c *fiber.Ctx) string {
	userId, _ := c.Locals("userId").(string)
	return userId
}

// uploadFilePayload is the JSON body of an encrypted upload, shared by the
// socket event and the REST endpoint. Binary fields ride as base64, which
// encoding/json gives us for free on []byte.
type uploadFilePayload struct {
	Filename      string                       `json:"filename"`
	MimeType      string                       `json:"mime_type"`
	PlaintextSize int64                        `json:"plaintext_size"`
	Ciphertext    []byte                       `json:"ciphertext"`
	IV            []byte                       `json:"iv"`
	Tag           []byte                       `json:"tag"`
	RecipientKeys []common_models.RecipientKey `json:"recipient_keys"`
}

func (p *uploadFilePayload) toRequest(uploaderId string) *filevault.UploadRequest {
	return &filevault.UploadRequest{
		UploaderId:    uploaderId,
		Filename:      p.Filename,
		MimeType:      p.MimeType,
		PlaintextSize: p.PlaintextSize,
		Ciphertext:    p.Ciphertext,
		IV:            p.IV,
		Tag:           p.Tag,
		RecipientKeys: p.RecipientKeys,
	}
}

func (g *Gateway) httpUploadFile(c *fiber.Ctx) error {
	var payload uploadFilePayload
	if err := c.BodyParser(&payload); err != nil {
		return g.httpError(c, ErrorEventMalformed.AddDetails(err.Error()))
	}
	file, err := g.vault.UploadEncrypted(c.Context(), payload.toRequest(requesterId(c)))
	if err != nil {
		return g.httpError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(file)
}

func (g *Gateway) httpUploadBatch(c *fiber.Ctx) error {
	var payloads []uploadFilePayload
	if err := c.BodyParser(&payloads); err != nil {
		return g.httpError(c, ErrorEventMalformed.AddDetails(err.Error()))
	}
	requests := make([]*filevault.UploadRequest, 0, len(payloads))
	for i := range payloads {
		requests = append(requests, payloads[i].toRequest(requesterId(c)))
	}
	result, err := g.vault.UploadEncryptedBatch(c.Context(), requests)
	if err != nil {
		return g.httpError(c, err)
	}
	return c.Status(fiber.StatusMultiStatus).JSON(result)
}

func (g *Gateway) httpSignedURL(c *fiber.Ctx) error {
	access, err := g.vault.IssueSignedAccess(c.Context(), c.Params("id"), requesterId(c))
	if err != nil {
		return g.httpError(c, err)
	}
	return c.JSON(access)
}

func (g *Gateway) httpDownloadFile(c *fiber.Ctx) error {
	result, err := g.vault.DownloadEncrypted(c.Context(), c.Params("id"), requesterId(c))
	if err != nil {
		return g.httpError(c, err)
	}
	return c.JSON(result)
}

func (g *Gateway) httpRecipientKey(c *fiber.Ctx) error {
	key, err := g.vault.UnwrapKeyFor(c.Context(), c.Params("id"), requesterId(c))
	if err != nil {
		return g.httpError(c, err)
	}
	if key == nil {
		return g.httpError(c, filevault.ErrorNoRecipientKey)
	}
	return c.JSON(key)
}

func (g *Gateway) httpDeleteFile(c *fiber.Ctx) error {
	err := g.vault.DeleteEncrypted(c.Context(), c.Params("id"))
	if err != nil {
		return g.httpError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (g *Gateway) httpUndeliveredNotifications(c *fiber.Ctx) error {
	backlog, err := g.store.FindUndeliveredNotifications(c.Context(), requesterId(c))
	if err != nil {
		return g.httpError(c, err)
	}
	return c.JSON(backlog)
}
