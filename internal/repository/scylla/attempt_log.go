package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// schema is applied by EnsureSchema. Attempts cluster by time within a batch
// so listing returns them in dispatch order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_attempts (
		batch_id uuid,
		created_at timestamp,
		attempt int,
		campaign_id uuid,
		tenant_id uuid,
		success boolean,
		status_code int,
		error text,
		duration_ms bigint,
		PRIMARY KEY ((batch_id), created_at, attempt)
	) WITH CLUSTERING ORDER BY (created_at ASC, attempt ASC)`,
}

// AttemptLog persists webhook attempts in Scylla.
type AttemptLog struct {
	session *gocql.Session
}

// NewAttemptLog creates a new attempt log.
func NewAttemptLog(session *gocql.Session) *AttemptLog {
	return &AttemptLog{session: session}
}

// EnsureSchema creates the attempt table when missing.
func (s *AttemptLog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("attempt log: ensure schema: %w", err)
		}
	}
	return nil
}

// AppendAttempt writes one attempt row.
func (s *AttemptLog) AppendAttempt(ctx context.Context, attempt domain.DispatchAttempt) error {
	durationMs := attempt.Duration.Milliseconds()
	createdAt := attempt.CreatedAt.UTC()

	if err := s.session.Query(`INSERT INTO dispatch_attempts (batch_id, created_at, attempt, campaign_id, tenant_id, success, status_code, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gocqlUUID(attempt.BatchID), createdAt, attempt.Attempt, gocqlUUID(attempt.CampaignID), gocqlUUID(attempt.TenantID),
		attempt.Success, attempt.StatusCode, attempt.Error, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt log: insert dispatch_attempts: %w", err)
	}

	return nil
}

// ListAttempts pages through a batch's attempts using the driver page state.
func (s *AttemptLog) ListAttempts(ctx context.Context, batchID uuid.UUID, limit int, pageState []byte) ([]domain.DispatchAttempt, []byte, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.session.Query(`SELECT created_at, attempt, campaign_id, tenant_id, success, status_code, error, duration_ms
		FROM dispatch_attempts WHERE batch_id = ?`, gocqlUUID(batchID)).WithContext(ctx).PageSize(limit)
	if len(pageState) > 0 {
		query = query.PageState(pageState)
	}

	iter := query.Iter()
	attempts := make([]domain.DispatchAttempt, 0, limit)

	var (
		createdAt  time.Time
		number     int
		campaignID gocql.UUID
		tenantID   gocql.UUID
		success    bool
		statusCode int
		errText    string
		durationMs int64
	)

	for iter.Scan(&createdAt, &number, &campaignID, &tenantID, &success, &statusCode, &errText, &durationMs) {
		attempts = append(attempts, domain.DispatchAttempt{
			BatchID:    batchID,
			CampaignID: uuid.UUID(campaignID),
			TenantID:   uuid.UUID(tenantID),
			Attempt:    number,
			Success:    success,
			StatusCode: statusCode,
			Error:      errText,
			Duration:   time.Duration(durationMs) * time.Millisecond,
			CreatedAt:  createdAt,
		})
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt log: iter close: %w", err)
	}
	if len(nextState) == 0 {
		nextState = nil
	}

	return attempts, nextState, nil
}

func gocqlUUID(id uuid.UUID) gocql.UUID {
	return gocql.UUID(id)
}
