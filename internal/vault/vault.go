// Package vault stores per-tenant webhook bearer secrets encrypted at rest.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

// Vault encrypts secrets on write and decrypts them on read, keeping
// recently decrypted values in a short-lived cache.
type Vault struct {
	repo   repository.CredentialRepository
	cipher *Cipher
	cache  *gocache.Cache
	now    func() time.Time
}

// New creates a vault. A zero cacheTTL disables caching.
func New(repo repository.CredentialRepository, c *Cipher, cacheTTL time.Duration) *Vault {
	v := &Vault{repo: repo, cipher: c, now: time.Now}
	if cacheTTL > 0 {
		v.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return v
}

// Get returns the decrypted secret for the tenant's channel. found is false
// when no credential was stored.
func (v *Vault) Get(ctx context.Context, tenantID uuid.UUID, channel domain.Channel) (string, bool, error) {
	key := scope(tenantID, channel)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			return cached.(string), true, nil
		}
	}

	sealed, err := v.repo.GetCredential(ctx, tenantID, channel)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("vault: load credential: %w", err)
	}

	secret, err := v.cipher.Open(sealed, key)
	if err != nil {
		return "", false, err
	}
	if v.cache != nil {
		v.cache.SetDefault(key, secret)
	}
	return secret, true, nil
}

// Put encrypts and stores a secret, replacing any previous value.
func (v *Vault) Put(ctx context.Context, tenantID uuid.UUID, channel domain.Channel, secret string) error {
	if tenantID == uuid.Nil {
		return apperrors.Validationf("tenant_id is required")
	}
	if !channel.Valid() {
		return apperrors.Validationf("unsupported channel %q", channel)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return apperrors.Validationf("secret is required")
	}

	key := scope(tenantID, channel)
	sealed, err := v.cipher.Seal(secret, key)
	if err != nil {
		return err
	}
	if err := v.repo.UpsertCredential(ctx, tenantID, channel, sealed, v.now().UTC()); err != nil {
		return fmt.Errorf("vault: store credential: %w", err)
	}
	if v.cache != nil {
		v.cache.Delete(key)
	}
	return nil
}

func scope(tenantID uuid.UUID, channel domain.Channel) string {
	return tenantID.String() + "/" + string(channel)
}
