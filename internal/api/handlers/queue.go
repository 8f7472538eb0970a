package handlers

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

type putCredentialRequest struct {
	Secret string `json:"secret"`
}

// processQueue runs one queue pass on demand. Only one manual pass may be
// in flight per process.
func (h *HandlerSet) processQueue(ctx *fiber.Ctx) error {
	if !h.processing.CompareAndSwap(false, true) {
		return translateError(fmt.Errorf("%w: a queue run is already in progress", apperrors.ErrQuotaExceeded))
	}
	defer h.processing.Store(false)

	stats, err := h.queue.ProcessQueue(ctx.UserContext())
	if err != nil {
		h.logger.Error("api: queue run failed", zap.Error(err))
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return ctx.Status(http.StatusOK).JSON(stats)
}

func (h *HandlerSet) putCredential(ctx *fiber.Ctx) error {
	tenantID, err := uuid.Parse(ctx.Params("tenant_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenant id")
	}

	var req putCredentialRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.vault.Put(ctx.UserContext(), tenantID, domain.Channel(ctx.Params("channel")), req.Secret); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
