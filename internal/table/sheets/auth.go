package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/animus-labs/runsync/internal/platform/credentials"
)

var defaultScopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.metadata.readonly",
}

// ErrLoginRejected means the token endpoint refused the credentials. Cached
// credentials are forgotten so the next attempt asks again.
var ErrLoginRejected = errors.New("login rejected")

type AuthConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (c AuthConfig) Validate() error {
	if strings.TrimSpace(c.IssuerURL) == "" {
		return errors.New("issuer url is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client id is required")
	}
	return nil
}

// HTTPClient logs in with the operator's email and password (resource owner
// password grant) against the token endpoint published by the issuer's
// discovery document. The returned client refreshes its token on its own.
func HTTPClient(ctx context.Context, cfg AuthConfig, creds credentials.Provider) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := creds.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	oauth2Cfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	token, err := oauth2Cfg.PasswordCredentialsToken(ctx, c.Username, c.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			credentials.Forget(creds)
			return nil, fmt.Errorf("%w: login %s: %w", ErrLoginRejected, c.Username, err)
		}
		return nil, fmt.Errorf("login %s: %w", c.Username, err)
	}
	// The token source outlives this call; only keep the context's values.
	return oauth2Cfg.Client(context.WithoutCancel(ctx), token), nil
}
