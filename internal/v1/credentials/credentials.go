// Package credentials resolves the three login variants spec.md §4.4
// defines (username/password, API key, or a pre-existing tw-auth
// cookie) into a tw-auth token, mirroring the teacher's
// constructor-returns-configured-value idiom (see
// internal/v1/auth.NewValidator) repurposed from JWT validation to
// resolving a proprietary login handshake.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nullhq/teamchat-go/internal/v1/httptransport"
)

// MagicAPIKeyPassword is the password the server expects when logging
// in with an API key in place of a real password (spec.md §3).
const MagicAPIKeyPassword = "club-lemon"

// Credentials is exactly one of the three login variants; exactly one
// non-empty combination should be populated.
type Credentials struct {
	Username string
	Password string

	APIKey string

	AuthToken string
}

// Resolve turns Credentials into a tw-auth token by whichever variant
// is populated, preferring an explicit AuthToken (no network round
// trip needed), then APIKey, then Username/Password.
func Resolve(ctx context.Context, transport *httptransport.Transport, creds Credentials) (string, error) {
	switch {
	case creds.AuthToken != "":
		return FromAuth(creds.AuthToken), nil
	case creds.APIKey != "":
		return FromKey(ctx, transport, creds.APIKey)
	case creds.Username != "" && creds.Password != "":
		return FromCredentials(ctx, transport, creds.Username, creds.Password)
	default:
		return "", fmt.Errorf("credentials: exactly one of AuthToken, APIKey, or Username+Password must be set")
	}
}

// FromCredentials logs in with a username/password pair, returning the
// tw-auth cookie value extracted from the login response.
func FromCredentials(ctx context.Context, transport *httptransport.Transport, username, password string) (string, error) {
	_, resp, err := transport.Request(ctx, "/launchpad/v1/login.json", httptransport.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"username":   username,
			"password":   password,
			"rememberMe": true,
		},
		Raw: true,
	})
	if err != nil {
		return "", fmt.Errorf("credentials: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httptransport.HttpError{Status: resp.StatusCode, StatusText: resp.Status}
	}

	token, err := extractTwAuth(resp)
	if err != nil {
		return "", err
	}
	return token, nil
}

// FromKey logs in with an API key, using the magic password the server
// expects in its place (spec.md §3).
func FromKey(ctx context.Context, transport *httptransport.Transport, key string) (string, error) {
	return FromCredentials(ctx, transport, key, MagicAPIKeyPassword)
}

// FromAuth reuses an already-known tw-auth token verbatim, with no
// network round trip.
func FromAuth(token string) string {
	return token
}

// extractTwAuth pulls the tw-auth cookie value out of a response's
// Set-Cookie headers.
func extractTwAuth(resp *http.Response) (string, error) {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "tw-auth" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("credentials: no tw-auth cookie in login response")
}

// Account is the decoded payload of GET /chat/me.json?includeAuth=true.
type Account struct {
	ID             int            `json:"id"`
	AuthKey        string         `json:"authkey"`
	URL            string         `json:"url"`
	InstallationID int            `json:"installationId"`
	User           map[string]any `json:"user"`
}

// DecodeAccount unwraps the {account: {...}} envelope GET /chat/me.json
// returns into an Account.
func DecodeAccount(decoded any) (Account, error) {
	top, ok := decoded.(map[string]any)
	if !ok {
		return Account{}, fmt.Errorf("credentials: unexpected /chat/me.json shape")
	}
	accountRaw, ok := top["account"]
	if !ok {
		return Account{}, fmt.Errorf("credentials: /chat/me.json missing account key")
	}
	data, err := json.Marshal(accountRaw)
	if err != nil {
		return Account{}, fmt.Errorf("credentials: re-encoding account: %w", err)
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return Account{}, fmt.Errorf("credentials: decoding account: %w", err)
	}
	return acct, nil
}

// ResolveSocketURL implements spec.md §6's WebSocket endpoint
// resolution: an explicit override wins; otherwise a production vs.
// development socket URL is chosen by whether the installation
// hostname matches teamwork.com (per spec.md §9, this substring switch
// is the fallback only, never authoritative over an explicit override).
func ResolveSocketURL(installationURL, override, productionSocketURL, developmentSocketURL string) (string, error) {
	if override != "" {
		return override, nil
	}
	host, err := installationHost(installationURL)
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(host, "teamwork.com") {
		return productionSocketURL, nil
	}
	return strings.Replace(developmentSocketURL, "{host}", host, 1), nil
}

func installationHost(installationURL string) (string, error) {
	without := strings.TrimPrefix(strings.TrimPrefix(installationURL, "https://"), "http://")
	if idx := strings.IndexByte(without, '/'); idx >= 0 {
		without = without[:idx]
	}
	if without == "" {
		return "", fmt.Errorf("credentials: could not parse host from installation URL %q", installationURL)
	}
	return without, nil
}
