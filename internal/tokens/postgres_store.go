package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectTokenSQL = `
		SELECT tenant_key, provider, access_token, refresh_token, token_type, scope, expires_at, created_at
		FROM oauth_tokens
		WHERE tenant_key = $1 AND provider = $2`

	upsertTokenSQL = `
		INSERT INTO oauth_tokens (tenant_key, provider, access_token, refresh_token, token_type, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant_key, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = NOW()`

	deleteTokenSQL = `DELETE FROM oauth_tokens WHERE tenant_key = $1 AND provider = $2`
)

// PostgresStore persists tokens in the oauth_tokens table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, tenant, provider string) (*Token, error) {
	var (
		tok   Token
		scope string
	)
	err := s.pool.QueryRow(ctx, selectTokenSQL, tenant, provider).Scan(
		&tok.TenantKey, &tok.Provider, &tok.AccessToken, &tok.RefreshToken,
		&tok.TokenType, &scope, &tok.ExpiresAt, &tok.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokens: load token: %w", err)
	}
	tok.Scopes = strings.Fields(scope)
	return &tok, nil
}

func (s *PostgresStore) Save(ctx context.Context, tok *Token) error {
	_, err := s.pool.Exec(ctx, upsertTokenSQL,
		tok.TenantKey, tok.Provider, tok.AccessToken, tok.RefreshToken,
		tok.Type(), strings.Join(tok.Scopes, " "), tok.ExpiresAt, tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("tokens: save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenant, provider string) error {
	if _, err := s.pool.Exec(ctx, deleteTokenSQL, tenant, provider); err != nil {
		return fmt.Errorf("tokens: delete token: %w", err)
	}
	return nil
}
