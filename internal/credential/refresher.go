package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/johndauphine/sms-backup-sync/internal/logging"
)

// TokenRefreshError is returned when a refresh attempt fails. Cause is the underlying
// transport, protocol or broker error.
type TokenRefreshError struct {
	Cause error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Cause)
}

func (e *TokenRefreshError) Unwrap() error { return e.Cause }

func refreshErr(cause error) error {
	return &TokenRefreshError{Cause: cause}
}

// Refresher obtains a replacement for an access token the server rejected.
// A refresher makes exactly one attempt per call.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context, cur Credential) (Credential, error)
}

// RefreshTokenStrategy exchanges the stored refresh token at the authorization server.
type RefreshTokenStrategy struct {
	Config *oauth2.Config
	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
}

func (s *RefreshTokenStrategy) Name() string { return "refresh_token" }

// Refresh exchanges cur.RefreshToken for a new access token. The old refresh token is
// kept when the server does not issue a new one.
func (s *RefreshTokenStrategy) Refresh(ctx context.Context, cur Credential) (Credential, error) {
	if cur.RefreshToken == "" {
		return Credential{}, refreshErr(errors.New("no refresh token"))
	}
	if s.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}
	// a token without access token is never valid, so the source always refreshes
	tok, err := s.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		return Credential{}, refreshErr(err)
	}
	if tok.AccessToken == "" {
		return Credential{}, refreshErr(errors.New("authorization server returned no access token"))
	}

	next := cur
	next.Type = TypeOAuth2
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	return next, nil
}

// PlatformBrokerStrategy asks an account broker for a fresh token, invalidating the
// rejected one first.
type PlatformBrokerStrategy struct {
	Broker Broker
}

func (s *PlatformBrokerStrategy) Name() string { return "broker" }

// Refresh mints a new token for cur.Username. A denial or empty answer fails the refresh.
func (s *PlatformBrokerStrategy) Refresh(ctx context.Context, cur Credential) (Credential, error) {
	if err := s.Broker.Invalidate(ctx, cur.Username, cur.AccessToken); err != nil {
		logging.Warn("Could not invalidate token for %s: %v", cur.Username, err)
	}
	tok, err := s.Broker.MintToken(ctx, cur.Username)
	if err != nil {
		return Credential{}, refreshErr(err)
	}
	if tok.AccessToken == "" {
		return Credential{}, refreshErr(errors.New("no new token obtained"))
	}

	next := cur
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	return next, nil
}

// NewRefresher picks the refresh strategy for cur: the refresh token exchange when the
// credential carries a refresh token and an OAuth client is configured, the broker
// otherwise.
func NewRefresher(cur Credential, cfg *oauth2.Config, broker Broker, client *http.Client) (Refresher, error) {
	if !cur.Type.IsToken() {
		return nil, refreshErr(fmt.Errorf("%s credentials cannot be refreshed", cur.Type))
	}
	if cur.AccessToken == "" {
		return nil, refreshErr(errors.New("no current token set"))
	}
	if cur.RefreshToken != "" && cfg != nil {
		return &RefreshTokenStrategy{Config: cfg, HTTPClient: client}, nil
	}
	if broker != nil {
		return &PlatformBrokerStrategy{Broker: broker}, nil
	}
	return nil, refreshErr(errors.New("no refresh token and no account broker configured"))
}
