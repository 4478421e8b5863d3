package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentbond/internal/domain"
	"agentbond/internal/events"
	"agentbond/internal/repo"
)

const apiKeyPrefix = "ab_"

// IssueAPIKey creates a key for actor. The plaintext key is returned once;
// only its hash is stored.
func (s *Services) IssueAPIKey(ctx context.Context, actor, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actor) == "" {
		return "", domain.APIKey{}, domain.ErrMissingCaller
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, err
	}
	key := apiKeyPrefix + hex.EncodeToString(raw)
	rec := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", rec, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertAPIKeyTx(ctx, tx, rec); err != nil {
		return "", rec, err
	}
	w := events.Writer{Now: s.now}
	if err := w.Append(ctx, tx, events.APIKeyCreated, "apikey", rec.ID, actor, events.EventPayload{"name": rec.Name}); err != nil {
		return "", rec, err
	}
	if err := tx.Commit(); err != nil {
		return "", rec, err
	}
	return key, rec, nil
}

func (s *Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
