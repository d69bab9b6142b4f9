// Package imgur talks to the Imgur REST API on behalf of the bot.
package imgur

import (
	"context"
	"net/http"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"golang.org/x/oauth2"
)

// Endpoint is Imgur's OAuth2 authorization server.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://api.imgur.com/oauth2/authorize",
	TokenURL: "https://api.imgur.com/oauth2/token",
}

// CredentialProvider yields an authenticated HTTP client. It is produced
// once, outside the bot, by whatever registration flow issued the tokens.
type CredentialProvider interface {
	HTTPClient(ctx context.Context) (*http.Client, error)
}

// Credentials are the application and user tokens issued by Imgur.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// TokenURL overrides Endpoint.TokenURL.
	TokenURL string
}

var _ CredentialProvider = Credentials{}

// Validate requires a client ID, and a client secret when a refresh token
// must be exchanged.
func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return models.NewConfigurationError("IMGUR_CLIENT_ID", "is required")
	}
	if c.RefreshToken != "" && c.ClientSecret == "" {
		return models.NewConfigurationError("IMGUR_CLIENT_SECRET", "is required with a refresh token")
	}
	return nil
}

// Anonymous reports whether only the application's client ID is available.
// Anonymous clients can read but not post.
func (c Credentials) Anonymous() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// OAuth2Config returns the oauth2 configuration for this application.
func (c Credentials) OAuth2Config() *oauth2.Config {
	ep := Endpoint
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
	}
}

// HTTPClient returns a client that authenticates every request. User tokens
// are sent as bearer tokens and refreshed when they expire; without any the
// client sends the application's Client-ID header.
func (c Credentials) HTTPClient(ctx context.Context) (*http.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	base := http.DefaultTransport
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc.Transport != nil {
		base = hc.Transport
	}
	if c.Anonymous() {
		return &http.Client{Transport: &clientIDTransport{clientID: c.ClientID, base: base}}, nil
	}
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	return c.OAuth2Config().Client(ctx, tok), nil
}

type clientIDTransport struct {
	clientID string
	base     http.RoundTripper
}

func (t *clientIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Client-ID "+t.clientID)
	return t.base.RoundTrip(r)
}
