package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tenderline/internal/domain"
	"tenderline/internal/engine/auth"
	"tenderline/internal/repo"
)

const apiKeyPrefix = "tl_"

// CreateAPIKey issues a key for principal. The raw key is returned once and
// only its hash is stored. API keys do not advance the logical clock.
func (e Engine) CreateAPIKey(ctx context.Context, principal, name, actorID string) (string, domain.APIKey, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return "", domain.APIKey{}, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if err := auth.RequireSelfOrOwner(e.owner(), actorID, principal); err != nil {
		return "", domain.APIKey{}, err
	}
	var secret [24]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(secret[:])
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   principal,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, principal, key.CreatedAt); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("ensure actor %s: %w", principal, err)
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	e.log().Info("api key created", "id", key.ID, "principal", principal, "by", actorID)
	return raw, key, nil
}

// APIKeys lists the keys of principal, or every key when the owner asks for
// an empty principal.
func (e Engine) APIKeys(ctx context.Context, principal, actorID string) ([]domain.APIKey, error) {
	if principal == "" {
		if err := auth.RequireOwner(e.owner(), actorID); err != nil {
			return nil, err
		}
	} else if err := auth.RequireSelfOrOwner(e.owner(), actorID, principal); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, principal)
}

// RevokeAPIKey deletes a key owned by actorID. The owner may revoke any key.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	keys, err := e.Repo.ListAPIKeys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != id {
			continue
		}
		if err := auth.RequireSelfOrOwner(e.owner(), actorID, k.ActorID); err != nil {
			return err
		}
		if err := e.Repo.RevokeAPIKey(ctx, id); err != nil {
			return err
		}
		e.log().Info("api key revoked", "id", id, "principal", k.ActorID, "by", actorID)
		return nil
	}
	return fmt.Errorf("%w: api key %s", ErrNotFound, id)
}

// Authenticate resolves a raw API key to its principal.
func (e Engine) Authenticate(ctx context.Context, raw string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(raw), apiKeyPrefix) {
		return "", fmt.Errorf("%w: malformed api key", ErrUnauthorized)
	}
	key, err := e.Repo.APIKeyByHash(ctx, repo.HashAPIKey(raw))
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	if err != nil {
		return "", err
	}
	return key.ActorID, nil
}

func (e Engine) owner() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Owner
}
