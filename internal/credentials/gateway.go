package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"polychat/internal/storage"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialInvalid  = errors.New("credential invalid")
)

type credentialReader interface {
	GetCredential(ctx context.Context, userID, provider string) (storage.Credential, error)
}

type opener interface {
	Open(raw string) (string, error)
}

// Gateway decrypts stored credentials and fills the cache. It is only
// consulted on a cache miss.
type Gateway struct {
	store  credentialReader
	cipher opener
	cache  *Cache
}

func NewGateway(store credentialReader, cipher opener, cache *Cache) *Gateway {
	return &Gateway{store: store, cipher: cipher, cache: cache}
}

func (g *Gateway) Load(ctx context.Context, userID, provider string) (string, error) {
	row, err := g.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrCredentialNotFound
		}
		return "", fmt.Errorf("load credential: %w", err)
	}

	secret, err := g.cipher.Open(row.EncAPIKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	if strings.TrimSpace(secret) == "" {
		return "", ErrCredentialInvalid
	}

	g.cache.Set(userID, provider, secret, 0)
	return secret, nil
}
