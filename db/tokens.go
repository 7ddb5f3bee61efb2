package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/lol-autostream/crypto"
)

// TokenStore reads and writes the oauth_tokens table. When Enc is set, tokens
// are written with encryption_version=1; plaintext rows (version 0) are
// still readable.
type TokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// UpsertOAuthToken stores or updates an OAuth token for a provider (e.g., twitch, youtube).
func (t *TokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	encVersion := 0
	encKeyID := ""
	accessToStore, refreshToStore := access, refresh
	if t.Enc != nil {
		encVersion = 1
		encKeyID = t.Enc.KeyID()
		var err error
		if accessToStore, err = encryptIfSet(t.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refreshToStore, err = encryptIfSet(t.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := t.DB.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry, scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
func (t *TokenStore) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	var exp sql.NullTime
	var acc, ref, sc sql.NullString
	row := t.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&acc, &ref, &exp, &sc, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	access, refresh, expiry, scope = acc.String, ref.String, exp.Time, sc.String
	if encVersion == 1 {
		if t.Enc == nil {
			return "", "", time.Time{}, "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = decryptIfSet(t.Enc, access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = decryptIfSet(t.Enc, refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, expiry, scope, nil
}

// DeleteOAuthToken removes the provider's row.
func (t *TokenStore) DeleteOAuthToken(ctx context.Context, provider string) error {
	_, err := t.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	return err
}

// EncryptPlaintext rewrites every encryption_version=0 row with the
// configured key and returns how many rows changed.
func (t *TokenStore) EncryptPlaintext(ctx context.Context) (int, error) {
	if t.Enc == nil {
		return 0, crypto.ErrNoKey
	}
	rows, err := t.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`)
	if err != nil {
		return 0, err
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return 0, err
		}
		providers = append(providers, p)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, p := range providers {
		plain := &TokenStore{DB: t.DB}
		access, refresh, expiry, scope, err := plain.GetOAuthToken(ctx, p)
		if err != nil {
			return n, fmt.Errorf("read %s token: %w", p, err)
		}
		if err := t.UpsertOAuthToken(ctx, p, access, refresh, expiry, scope); err != nil {
			return n, fmt.Errorf("encrypt %s token: %w", p, err)
		}
		slog.Info("encrypted oauth token", slog.String("provider", p), slog.String("component", "db_encryption"))
		n++
	}
	return n, nil
}

func encryptIfSet(enc crypto.Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return crypto.EncryptString(enc, s)
}

func decryptIfSet(enc crypto.Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return crypto.DecryptString(enc, s)
}
