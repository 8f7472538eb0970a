package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/service/common"
)

type enqueueCampaignRequest struct {
	TenantID       string           `json:"tenant_id"`
	Channel        string           `json:"channel"`
	WebhookURL     string           `json:"webhook_url"`
	WebhookPayload map[string]any   `json:"webhook_payload"`
	Contacts       []domain.Contact `json:"contacts"`
}

type campaignResponse struct {
	ID            uuid.UUID             `json:"id"`
	TenantID      uuid.UUID             `json:"tenant_id"`
	Channel       domain.Channel        `json:"channel"`
	Status        domain.CampaignStatus `json:"status"`
	TotalContacts int                   `json:"total_contacts"`
	TotalBatches  int                   `json:"total_batches"`
	BatchesSent   int                   `json:"batches_sent"`
	BatchesFailed int                   `json:"batches_failed"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

type batchResponse struct {
	ID            uuid.UUID          `json:"id"`
	CampaignID    uuid.UUID          `json:"campaign_id"`
	BatchNumber   int                `json:"batch_number"`
	TotalBatches  int                `json:"total_batches"`
	ContactsCount int                `json:"contacts_in_batch"`
	Status        domain.BatchStatus `json:"status"`
	RetryCount    int                `json:"retry_count"`
	ScheduledFor  time.Time          `json:"scheduled_for"`
	ProcessedAt   *time.Time         `json:"processed_at,omitempty"`
	ErrorMessage  *string            `json:"error_message,omitempty"`
}

type enqueueCampaignResponse struct {
	Campaign campaignResponse `json:"campaign"`
	Batches  []batchResponse  `json:"batches"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type listBatchesResponse struct {
	Batches []batchResponse `json:"batches"`
}

type attemptResponse struct {
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) enqueueCampaign(ctx *fiber.Ctx) error {
	var req enqueueCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenant id")
	}

	campaign, batches, err := h.campaigns.Enqueue(ctx.UserContext(), campaignsvc.EnqueueInput{
		TenantID:       tenantID,
		Channel:        domain.Channel(req.Channel),
		WebhookURL:     req.WebhookURL,
		WebhookPayload: req.WebhookPayload,
		Contacts:       req.Contacts,
	})
	if err != nil {
		return translateError(err)
	}

	resp := enqueueCampaignResponse{
		Campaign: toCampaignResponse(campaign),
		Batches:  make([]batchResponse, 0, len(batches)),
	}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, toBatchResponse(b))
	}
	return ctx.Status(http.StatusCreated).JSON(resp)
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	tenantID, err := uuid.Parse(ctx.Query("tenant_id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenant id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))

	campaigns, err := h.campaigns.List(ctx.UserContext(), tenantID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaignBatches(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	batches, err := h.campaigns.ListBatches(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := listBatchesResponse{Batches: make([]batchResponse, 0, len(batches))}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, toBatchResponse(b))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listBatchAttempts(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid batch id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	state, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	attempts, next, err := h.campaigns.ListAttempts(ctx.UserContext(), id, limit, state)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{
		Attempts: make([]attemptResponse, 0, len(attempts)),
		NextPage: common.EncodePageToken(next),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Attempt:    a.Attempt,
			Success:    a.Success,
			StatusCode: a.StatusCode,
			Error:      a.Error,
			DurationMS: a.Duration.Milliseconds(),
			CreatedAt:  a.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:            c.ID,
		TenantID:      c.TenantID,
		Channel:       c.Channel,
		Status:        c.Status,
		TotalContacts: c.TotalContacts,
		TotalBatches:  c.TotalBatches,
		BatchesSent:   c.BatchesSent,
		BatchesFailed: c.BatchesFailed,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		CompletedAt:   c.CompletedAt,
	}
}

func toBatchResponse(b *domain.Batch) batchResponse {
	return batchResponse{
		ID:            b.ID,
		CampaignID:    b.CampaignID,
		BatchNumber:   b.BatchNumber,
		TotalBatches:  b.TotalBatches,
		ContactsCount: len(b.Contacts),
		Status:        b.Status,
		RetryCount:    b.RetryCount,
		ScheduledFor:  b.ScheduledFor,
		ProcessedAt:   b.ProcessedAt,
		ErrorMessage:  b.ErrorMessage,
	}
}
