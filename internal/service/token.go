package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/provider"
)

const tokenExpirySkew = 5 * time.Minute

// CredentialSource hands the engine valid credentials for an account,
// refreshing expired access tokens first. A rejected refresh surfaces as
// ErrCredentialInvalid.
type CredentialSource interface {
	Credentials(ctx context.Context, account *models.Account) (provider.Credentials, error)
}

// OAuthCredentialSource refreshes Google OAuth tokens through the standard
// refresh-token flow and persists rotations. Bot-feed accounts carry
// long-lived vendor tokens and pass through untouched.
type OAuthCredentialSource struct {
	accounts     AccountStore
	clientID     string
	clientSecret string
	tokenURL     string
}

func NewOAuthCredentialSource(accounts AccountStore, clientID, clientSecret string) *OAuthCredentialSource {
	return &OAuthCredentialSource{
		accounts:     accounts,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     "https://oauth2.googleapis.com/token",
	}
}

func (s *OAuthCredentialSource) Credentials(ctx context.Context, account *models.Account) (provider.Credentials, error) {
	if account.AccessToken == nil || *account.AccessToken == "" {
		return provider.Credentials{}, fmt.Errorf("account %s has no access token: %w", account.ID, provider.ErrCredentialInvalid)
	}

	if account.Provider != models.ProviderCalendar {
		return provider.Credentials{AccessToken: *account.AccessToken}, nil
	}

	if !tokenExpired(account.AccessTokenExpiresAt) {
		return provider.Credentials{AccessToken: *account.AccessToken}, nil
	}

	if account.RefreshToken == nil || *account.RefreshToken == "" {
		return provider.Credentials{}, fmt.Errorf("account %s token expired with no refresh token: %w", account.ID, provider.ErrCredentialInvalid)
	}

	logger.WithField("account_id", account.ID).Info("Access token expired, refreshing")

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: s.tokenURL,
		},
	}

	token := &oauth2.Token{RefreshToken: *account.RefreshToken}
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("token refresh rejected: %v: %w", err, provider.ErrCredentialInvalid)
	}

	refreshToken := *account.RefreshToken
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		// Provider rotated the refresh token; keep the new one.
		refreshToken = newToken.RefreshToken
	}

	if err := s.accounts.UpdateTokens(ctx, account.ID, newToken.AccessToken, refreshToken, newToken.Expiry); err != nil {
		return provider.Credentials{}, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	account.AccessToken = &newToken.AccessToken
	account.RefreshToken = &refreshToken
	account.AccessTokenExpiresAt = &newToken.Expiry

	return provider.Credentials{AccessToken: newToken.AccessToken}, nil
}

// tokenExpired treats a token inside the skew window as already expired so
// a pass never starts with a token about to lapse mid-flight.
func tokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return time.Now().Add(tokenExpirySkew).After(*expiresAt)
}
