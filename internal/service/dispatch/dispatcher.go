// Package dispatch delivers one batch to the tenant's webhook.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// FailureKind classifies why a dispatch did not succeed.
type FailureKind string

const (
	KindConfiguration FailureKind = "configuration"
	KindTransport     FailureKind = "transport"
	KindHTTPStatus    FailureKind = "http_status"
	// KindDeferred means the request was never sent because the pacing
	// limiter could not admit it before the context ends.
	KindDeferred FailureKind = "deferred"
)

// Outcome is the result of a single webhook attempt.
type Outcome struct {
	Success    bool
	StatusCode int
	Reason     string
	Kind       FailureKind
	Duration   time.Duration
}

// CredentialSource resolves the bearer secret for a tenant's channel.
type CredentialSource interface {
	Get(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (string, bool, error)
}

// Options tunes the HTTP client.
type Options struct {
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxErrorLength int
	UserAgent      string
}

// Dispatcher posts batch payloads to webhooks. It never retries on its own;
// retries belong to the queue.
type Dispatcher struct {
	client      *resty.Client
	credentials CredentialSource
	limiter     *rate.Limiter
	maxErrorLen int
	logger      *logger.Logger
	now         func() time.Time
}

// NewDispatcher builds a dispatcher around a dedicated resty client.
func NewDispatcher(credentials CredentialSource, opts Options, log *logger.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxErrorLength <= 0 {
		opts.MaxErrorLength = 2000
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "campaign-dispatch/1.0"
	}
	if log == nil {
		log = logger.NewNop()
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", opts.UserAgent)

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Dispatcher{
		client:      client,
		credentials: credentials,
		limiter:     limiter,
		maxErrorLen: opts.MaxErrorLength,
		logger:      log.Component("dispatcher"),
		now:         time.Now,
	}
}

// Dispatch performs exactly one POST for the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *domain.Batch) Outcome {
	fields := []zap.Field{
		zap.String("batch_id", batch.ID.String()),
		zap.String("campaign_id", batch.CampaignID.String()),
		zap.Int("batch_number", batch.BatchNumber),
	}

	secret, found, err := d.credentials.Get(ctx, batch.TenantID, batch.Channel)
	if err != nil {
		d.logger.Warn("dispatcher: credential lookup failed", append(fields, zap.Error(err))...)
		return d.failure(KindConfiguration, 0, fmt.Sprintf("credential lookup failed: %v", err), 0)
	}
	if !found || secret == "" {
		return d.failure(KindConfiguration, 0, domain.MissingCredentialMessage, 0)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Debug("dispatcher: pacing refused batch", append(fields, zap.Error(err))...)
			return d.failure(KindDeferred, 0, err.Error(), 0)
		}
	}

	start := d.now()
	resp, err := d.client.R().
		SetContext(ctx).
		SetAuthToken(secret).
		SetBody(BuildPayload(batch)).
		Post(batch.WebhookURL)
	elapsed := d.now().Sub(start)
	if err != nil {
		d.logger.Warn("dispatcher: request failed", append(fields, zap.Error(err))...)
		return d.failure(KindTransport, 0, err.Error(), elapsed)
	}

	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return Outcome{Success: true, StatusCode: code, Duration: elapsed}
	}

	reason := resp.String()
	if strings.TrimSpace(reason) == "" {
		reason = fmt.Sprintf("HTTP %d", code)
	}
	d.logger.Warn("dispatcher: webhook rejected batch", append(fields, zap.Int("status_code", code))...)
	return d.failure(KindHTTPStatus, code, reason, elapsed)
}

func (d *Dispatcher) failure(kind FailureKind, code int, reason string, elapsed time.Duration) Outcome {
	return Outcome{
		Kind:       kind,
		StatusCode: code,
		Reason:     Truncate(reason, d.maxErrorLen),
		Duration:   elapsed,
	}
}

// Truncate caps s at max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
