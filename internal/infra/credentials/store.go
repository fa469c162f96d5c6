package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

const (
	ProviderFal = "fal"
)

// Store reads and writes provider credentials kept in integration_tokens.
type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

func (s *Store) FalAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderFal)
}

// Token returns the stored token for provider, or "" when none is set.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetFalAPIKey(ctx context.Context, key, setBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("fal api key is required")
	}
	props := map[string]any{"updated_at": s.now().UTC().Format(time.RFC3339)}
	if setBy = strings.TrimSpace(setBy); setBy != "" {
		props["set_by"] = setBy
	}
	return s.upsert(ctx, ProviderFal, key, props)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw); err != nil {
		return fmt.Errorf("store %s token: %w", provider, err)
	}
	return nil
}

// ResolveFalAPIKey prefers the configured key and falls back to the stored one.
func ResolveFalAPIKey(ctx context.Context, configured string, store *Store) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		return key, nil
	}
	if store == nil {
		return "", nil
	}
	return store.FalAPIKey(ctx)
}
