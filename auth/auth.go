// Package auth implements SharpSync's TokenProvider port (spec §6.2): a PKCE
// OAuth2 authentication flow, grounded on this codebase's OAuth client
// idiom (internal/auth/oauth.go) and adapted onto golang.org/x/oauth2's
// Config/TokenSource rather than the hand-rolled token-refresh HTTP calls
// that codebase fell back to.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

// TokenProvider is the port the Executor consults for authenticated Storage
// backends. authenticate performs the initial handshake; refreshToken
// renews an expiring TokenSet; validateToken is a cheap local check with no
// network call.
type TokenProvider interface {
	Authenticate(ctx context.Context) (model.TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (model.TokenSet, error)
	ValidateToken(token model.TokenSet) bool
}

// Config configures an OAuth2Provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// LogValue masks ClientSecret so a Config never lands in a log line in the
// clear, mirroring this codebase's email.Config.LogValue convention.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", c.ClientID),
		slog.String("client_secret", utils.MaskSecret(c.ClientSecret)),
		slog.String("redirect_url", c.RedirectURL),
		slog.String("auth_url", c.AuthURL),
		slog.String("token_url", c.TokenURL),
	)
}

// OAuth2Provider implements TokenProvider over golang.org/x/oauth2 with a
// PKCE challenge/verifier pair, mirroring this codebase's OAuthClient.
type OAuth2Provider struct {
	cfg      *oauth2.Config
	verifier string

	// AuthCodeFunc exchanges the provider's authorization URL for a code,
	// e.g. by driving a local callback listener or a device-code prompt.
	// The host supplies it; SharpSync has no opinion on how a code is
	// obtained.
	AuthCodeFunc func(ctx context.Context, authURL string) (code string, err error)
}

// NewOAuth2Provider builds an OAuth2Provider from cfg.
func NewOAuth2Provider(cfg Config) *OAuth2Provider {
	slog.Debug("auth: configured oauth2 provider", "config", cfg)
	return &OAuth2Provider{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}
}

func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// Authenticate runs the full authorization-code-with-PKCE flow: it builds
// the authorization URL, hands it to AuthCodeFunc for the host to complete,
// then exchanges the returned code for a TokenSet.
func (o *OAuth2Provider) Authenticate(ctx context.Context) (model.TokenSet, error) {
	if o.AuthCodeFunc == nil {
		return model.TokenSet{}, model.NewError(model.ErrAuthFailed, "Authenticate", fmt.Errorf("no AuthCodeFunc configured"))
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return model.TokenSet{}, model.NewError(model.ErrAuthFailed, "Authenticate", err)
	}
	o.verifier = verifier

	authURL := o.cfg.AuthCodeURL("state",
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	code, err := o.AuthCodeFunc(ctx, authURL)
	if err != nil {
		return model.TokenSet{}, model.NewError(model.ErrAuthFailed, "Authenticate", err)
	}

	tok, err := o.cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", o.verifier))
	if err != nil {
		return model.TokenSet{}, model.NewError(model.ErrAuthFailed, "Authenticate", err)
	}
	return toTokenSet(tok), nil
}

// RefreshToken exchanges refreshToken for a new TokenSet. The engine's
// default auth path (spec §6.2) calls this when now >= expiresAt, falling
// back to Authenticate on failure.
func (o *OAuth2Provider) RefreshToken(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return model.TokenSet{}, model.NewError(model.ErrAuthFailed, "RefreshToken", err)
	}
	return toTokenSet(tok), nil
}

// ValidateToken reports whether token is usable without a network call.
func (o *OAuth2Provider) ValidateToken(token model.TokenSet) bool {
	return token.AccessToken != "" && !token.Expired()
}

func toTokenSet(tok *oauth2.Token) model.TokenSet {
	return model.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.TokenType,
	}
}

// Authorize runs the engine's default auth path described in spec §6.2: if
// the current token is expired, try RefreshToken once, falling back to a
// full Authenticate on refresh failure.
func Authorize(ctx context.Context, p TokenProvider, current model.TokenSet) (model.TokenSet, error) {
	if p.ValidateToken(current) {
		return current, nil
	}
	if current.RefreshToken != "" {
		if refreshed, err := p.RefreshToken(ctx, current.RefreshToken); err == nil {
			return refreshed, nil
		}
	}
	return p.Authenticate(ctx)
}
