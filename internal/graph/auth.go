package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/driftsync/driftsync/internal/tokenfile"
)

// clientID is the registered public-client application id. Device code and
// refresh flows need no client secret.
const clientID = "71ae7ad2-0207-4cd6-a1fc-eb20d1e17b24"

// oauthConfig builds the OAuth2 configuration for the consumer endpoint.
// The fork's OnTokenChange hook persists every rotated refresh token the
// moment the library sees it, so a long-running watch session can never
// strand the on-disk token behind the live one.
func oauthConfig(tokenPath string, logger *slog.Logger) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Scopes:   []string{"Files.ReadWrite", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			DeviceAuthURL: "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode",
		},
		OnTokenChange: func(tok *oauth2.Token) {
			if err := tokenfile.Save(tokenPath, tok); err != nil {
				logger.Error("failed to persist rotated token",
					slog.String("path", tokenPath),
					slog.String("error", err.Error()),
				)
			}
		},
	}
}

// Login runs the device code flow and saves the resulting token to
// tokenPath. display is called once with the user code and verification
// URL; Login then blocks until the user authorizes or ctx is canceled.
func Login(ctx context.Context, tokenPath string, display func(userCode, verificationURL string), logger *slog.Logger) error {
	cfg := oauthConfig(tokenPath, logger)

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("graph: requesting device code: %w", err)
	}

	display(da.UserCode, da.VerificationURI)

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("graph: waiting for authorization: %w", err)
	}

	if err := tokenfile.Save(tokenPath, tok); err != nil {
		return err
	}

	logger.Info("login complete", slog.String("token_path", tokenPath))

	return nil
}

// Logout removes the saved token.
func Logout(tokenPath string) error {
	return tokenfile.Delete(tokenPath)
}

// TokenSourceFromFile loads the saved token and returns a refreshing
// TokenSource. Returns ErrNotLoggedIn when no token has been saved.
// ctx must outlive the source; refreshes inherit its lifetime.
func TokenSourceFromFile(ctx context.Context, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, err := tokenfile.Load(tokenPath)
	if err != nil {
		if errors.Is(err, tokenfile.ErrNoToken) {
			return nil, ErrNotLoggedIn
		}

		return nil, err
	}

	cfg := oauthConfig(tokenPath, logger)

	return &bearerSource{src: cfg.TokenSource(ctx, tok)}, nil
}

// bearerSource adapts oauth2.TokenSource to this package's TokenSource.
type bearerSource struct {
	src oauth2.TokenSource
}

func (b *bearerSource) Token() (string, error) {
	tok, err := b.src.Token()
	if err != nil {
		return "", fmt.Errorf("graph: refreshing token: %w", err)
	}

	return tok.AccessToken, nil
}

// StaticToken returns a TokenSource that always yields tok. Test helper.
func StaticToken(tok string) TokenSource {
	return staticToken(tok)
}

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }
