package handlers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/processor"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/vault"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

type queueRunner interface {
	ProcessQueue(ctx context.Context) (processor.RunStats, error)
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	campaigns *campaignsvc.Service
	vault     *vault.Vault
	queue     queueRunner
	logger    *logger.Logger

	// set while a manually triggered queue run is in flight
	processing atomic.Bool
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		campaigns: services.Campaign,
		vault:     services.Vault,
		queue:     container.Processor(),
		logger:    container.Logger.Component("api"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.enqueueCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Get("/:id/batches", h.listCampaignBatches)

	v1.Get("/batches/:id/attempts", h.listBatchAttempts)
	v1.Post("/queue/process", h.processQueue)
	v1.Put("/tenants/:tenant_id/credentials/:channel", h.putCredential)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("api: request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := h.container.Health(healthCtx)

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
