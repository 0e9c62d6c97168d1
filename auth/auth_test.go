package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/model"
)

type fakeProvider struct {
	authenticateCalls int
	refreshCalls      int
	refreshErr        error
	authErr           error
}

func (f *fakeProvider) Authenticate(ctx context.Context) (model.TokenSet, error) {
	f.authenticateCalls++
	if f.authErr != nil {
		return model.TokenSet{}, f.authErr
	}
	return model.TokenSet{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (model.TokenSet, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return model.TokenSet{}, f.refreshErr
	}
	return model.TokenSet{AccessToken: "refreshed", RefreshToken: refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) ValidateToken(token model.TokenSet) bool {
	return token.AccessToken != "" && !token.Expired()
}

func TestAuthorize_ValidTokenReturnedUnchanged(t *testing.T) {
	p := &fakeProvider{}
	current := model.TokenSet{AccessToken: "still-good", ExpiresAt: time.Now().Add(time.Hour)}

	got, err := Authorize(context.Background(), p, current)
	require.NoError(t, err)
	require.Equal(t, current, got)
	require.Zero(t, p.refreshCalls)
	require.Zero(t, p.authenticateCalls)
}

func TestAuthorize_ExpiredTokenRefreshes(t *testing.T) {
	p := &fakeProvider{}
	current := model.TokenSet{AccessToken: "stale", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)}

	got, err := Authorize(context.Background(), p, current)
	require.NoError(t, err)
	require.Equal(t, "refreshed", got.AccessToken)
	require.Equal(t, 1, p.refreshCalls)
	require.Zero(t, p.authenticateCalls)
}

func TestAuthorize_RefreshFailureFallsBackToAuthenticate(t *testing.T) {
	p := &fakeProvider{refreshErr: errors.New("refresh token revoked")}
	current := model.TokenSet{AccessToken: "stale", RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)}

	got, err := Authorize(context.Background(), p, current)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.AccessToken)
	require.Equal(t, 1, p.refreshCalls)
	require.Equal(t, 1, p.authenticateCalls)
}

func TestAuthorize_NoRefreshTokenGoesStraightToAuthenticate(t *testing.T) {
	p := &fakeProvider{}
	current := model.TokenSet{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)}

	got, err := Authorize(context.Background(), p, current)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.AccessToken)
	require.Zero(t, p.refreshCalls)
	require.Equal(t, 1, p.authenticateCalls)
}

func TestOAuth2Provider_Authenticate_NoCallbackFailsAuthFailed(t *testing.T) {
	p := NewOAuth2Provider(Config{ClientID: "id", AuthURL: "https://example.com/auth", TokenURL: "https://example.com/token"})
	_, err := p.Authenticate(context.Background())
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrAuthFailed))
}

func TestOAuth2Provider_ValidateToken(t *testing.T) {
	p := NewOAuth2Provider(Config{})
	require.False(t, p.ValidateToken(model.TokenSet{}))
	require.False(t, p.ValidateToken(model.TokenSet{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Second)}))
	require.True(t, p.ValidateToken(model.TokenSet{AccessToken: "x", ExpiresAt: time.Now().Add(time.Minute)}))
}
