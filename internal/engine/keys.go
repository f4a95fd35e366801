package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"punchd/internal/domain"
	"punchd/internal/engine/auth"
	"punchd/internal/repo"
)

const apiKeyPrefix = "pk_"

// CreateAPIKey mints a key for actorID. Only the hash is stored; the returned
// secret cannot be recovered later.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, perms []string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	perms, err := auth.Normalize(perms)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: perms,
		CreatedAt:   domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
