package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/lol-autostream/crypto"
)

// TokenVault keeps OAuth tokens in a KV under "oauth:<provider>". With an
// encryptor the access and refresh tokens are sealed individually, the same
// way the postgres oauth_tokens table stores them.
type TokenVault struct {
	KV  KV
	Enc crypto.Encryptor // nil stores plaintext
}

type tokenRecord struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	ExpiresAt         time.Time `json:"expires_at"`
	Scope             string    `json:"scope"`
	EncryptionVersion int       `json:"encryption_version"`
	EncryptionKeyID   string    `json:"encryption_key_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func tokenKey(provider string) string { return "oauth:" + provider }

// UpsertOAuthToken stores the token for provider, replacing any previous one.
func (v *TokenVault) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	rec := tokenRecord{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiry, Scope: scope, UpdatedAt: time.Now().UTC()}
	if v.Enc != nil {
		var err error
		if rec.AccessToken, err = crypto.EncryptString(v.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if rec.RefreshToken, err = crypto.EncryptString(v.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		rec.EncryptionVersion = 1
		rec.EncryptionKeyID = v.Enc.KeyID()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.KV.Put(ctx, tokenKey(provider), b)
}

// GetOAuthToken returns zero values when nothing is stored for provider.
func (v *TokenVault) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	b, err := v.KV.Get(ctx, tokenKey(provider))
	if errors.Is(err, ErrNotFound) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	var rec tokenRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("decode %s token: %w", provider, err)
	}
	access, refresh = rec.AccessToken, rec.RefreshToken
	if rec.EncryptionVersion == 1 {
		if v.Enc == nil {
			return "", "", time.Time{}, "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = crypto.DecryptString(v.Enc, rec.AccessToken); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(v.Enc, rec.RefreshToken); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, rec.ExpiresAt, rec.Scope, nil
}

// DeleteOAuthToken forgets the token for provider.
func (v *TokenVault) DeleteOAuthToken(ctx context.Context, provider string) error {
	return v.KV.Delete(ctx, tokenKey(provider))
}
