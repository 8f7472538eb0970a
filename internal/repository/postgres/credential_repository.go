package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

// CredentialRepository stores sealed tenant webhook secrets.
type CredentialRepository struct {
	db *sqlx.DB
}

func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) GetCredential(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (string, error) {
	var sealed string
	err := r.db.GetContext(ctx, &sealed, `SELECT ciphertext FROM tenant_credentials
		WHERE tenant_id = $1 AND channel = $2`, tenantID, string(channel))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("credential repo: get: %w", err)
	}
	return sealed, nil
}

func (r *CredentialRepository) UpsertCredential(ctx context.Context, tenantID uuid.UUID, channel domain.Channel, ciphertext string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO tenant_credentials (tenant_id, channel, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, channel) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at`,
		tenantID, string(channel), ciphertext, at)
	if err != nil {
		return fmt.Errorf("credential repo: upsert: %w", err)
	}
	return nil
}
