package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"polychat/internal/crypto"
	"polychat/internal/metrics"
	"polychat/internal/providers"
	"polychat/internal/storage"
)

var ErrEmptyAPIKey = errors.New("api key is empty")

type Resolver struct {
	store   *storage.Store
	keyring *crypto.Keyring
	cache   *Cache
	gateway *Gateway
	log     zerolog.Logger
}

func NewResolver(store *storage.Store, keyring *crypto.Keyring, cache *Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		keyring: keyring,
		cache:   cache,
		gateway: NewGateway(store, keyring, cache),
		log:     logger.With().Str("component", "credentials").Logger(),
	}
}

// Resolve returns the decrypted key for (user, provider), from cache when possible.
func (r *Resolver) Resolve(ctx context.Context, userID, provider string) (string, error) {
	if secret, ok := r.cache.Get(userID, provider); ok {
		metrics.Global().CredentialCache.WithLabelValues("hit").Inc()
		return secret, nil
	}
	metrics.Global().CredentialCache.WithLabelValues("miss").Inc()
	return r.gateway.Load(ctx, userID, provider)
}

func (r *Resolver) Put(ctx context.Context, userID, provider, apiKey string) error {
	if !providers.Supported(provider) {
		return fmt.Errorf("%w %q", providers.ErrUnsupportedProvider, provider)
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyAPIKey
	}

	sealed, err := r.keyring.Seal(apiKey)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	err = r.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.UpsertCredential(ctx, storage.Credential{UserID: userID, Provider: provider, EncAPIKey: sealed}); err != nil {
			return err
		}
		return q.LogAction(ctx, auditEntry(userID, "credential.put", provider, r.keyring.CurrentKeyID()))
	})
	if err != nil {
		return err
	}

	r.cache.Invalidate(userID, provider)
	r.log.Info().Str("user_id", userID).Str("provider", provider).Msg("credential stored")
	return nil
}

func (r *Resolver) Delete(ctx context.Context, userID, provider string) error {
	if !providers.Supported(provider) {
		return fmt.Errorf("%w %q", providers.ErrUnsupportedProvider, provider)
	}
	err := r.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.DeleteCredential(ctx, userID, provider); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrCredentialNotFound
			}
			return err
		}
		return q.LogAction(ctx, auditEntry(userID, "credential.delete", provider, ""))
	})
	if err != nil {
		return err
	}

	r.cache.Invalidate(userID, provider)
	r.log.Info().Str("user_id", userID).Str("provider", provider).Msg("credential deleted")
	return nil
}

// Rotate re-encrypts every stored credential under the current key.
// Envelopes that cannot be opened are skipped and counted as failures.
func (r *Resolver) Rotate(ctx context.Context) (rotated, failed int, err error) {
	rows, err := r.store.ListCredentials(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		resealed, err := r.keyring.Reseal(row.EncAPIKey)
		if err != nil {
			failed++
			r.log.Warn().Err(err).Str("user_id", row.UserID).Str("provider", row.Provider).Msg("credential reseal failed")
			continue
		}
		row.EncAPIKey = resealed
		if err := r.store.UpsertCredential(ctx, row); err != nil {
			return rotated, failed, err
		}
		rotated++
	}
	return rotated, failed, nil
}

func auditEntry(userID, action, provider, keyID string) storage.AuditEntry {
	meta := map[string]string{"provider": provider}
	if keyID != "" {
		meta["key_id"] = keyID
	}
	b, _ := json.Marshal(meta)
	return storage.AuditEntry{UserID: userID, Action: action, MetaJSON: string(b)}
}
