// Package wireclient combines HTTP Transport and Socket Session into
// every domain-level RPC the chat protocol exposes (spec.md §4.4):
// send-message, typing, activate-room, update-status, the people/room/
// message CRUD+list helpers, and the three login variants. Callers
// needing the live entity model sit one layer up, in pkg/chatclient.
package wireclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/credentials"
	"github.com/nullhq/teamchat-go/internal/v1/frame"
	"github.com/nullhq/teamchat-go/internal/v1/httptransport"
	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/ratelimit"
	"github.com/nullhq/teamchat-go/internal/v1/wsocket"
	"go.uber.org/zap"
)

// Default production/development socket URLs (spec.md §6). The
// development URL carries a {host} placeholder substituted with the
// installation's hostname; an explicit SocketServerURL always wins
// over both (spec.md §9).
const (
	ProductionSocketURL        = "wss://chat.teamwork.com"
	DevelopmentSocketURLFormat = "wss://{host}"
)

// tokenHolder is the single shared tw-auth cookie value read by both
// the HTTP transport and (on reconnect) the socket dialer. Rotated
// atomically by Impersonate/Unimpersonate so no in-flight request ever
// observes a half-rotated token (spec.md §5).
type tokenHolder struct {
	v atomic.Pointer[string]
}

func (t *tokenHolder) Get() string {
	p := t.v.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (t *tokenHolder) Set(s string) {
	t.v.Store(&s)
}

// Config configures a Client's transports.
type Config struct {
	InstallationURL string
	SocketServerURL string // explicit override, authoritative when set

	PingInterval   time.Duration
	PingTimeout    time.Duration
	PingMaxAttempt int
	AwaitTimeout   time.Duration

	RateLimiter    *ratelimit.Limiter
	RateLimiterKey string // defaults to InstallationURL

	Dialer wsocket.Dialer // overridable for tests

	// OnFrame/OnStateChange/OnClose are wired straight through to the
	// underlying wsocket.Session so the Session Orchestrator can observe
	// inbound frames and lifecycle transitions without reaching past
	// this package.
	OnFrame       func(frame.Frame)
	OnStateChange func(wsocket.State)
	OnClose       func(reason error)
}

// Client is the Wire Client of spec.md §4.4: HTTP Transport + Socket
// Session plus every domain RPC built atop them.
type Client struct {
	cfg       Config
	token     *tokenHolder
	transport *httptransport.Transport
	socket    *wsocket.Session
	account   credentials.Account
}

// FromCredentials logs in with username/password, resolves the socket
// URL, and returns an unconnected Client plus the decoded account.
// Callers (normally the Session Orchestrator) call Connect to dial and
// handshake the socket.
func FromCredentials(ctx context.Context, cfg Config, username, password string) (*Client, credentials.Account, error) {
	return newClient(ctx, cfg, credentials.Credentials{Username: username, Password: password})
}

// FromAuth reuses a known tw-auth token.
func FromAuth(ctx context.Context, cfg Config, token string) (*Client, credentials.Account, error) {
	return newClient(ctx, cfg, credentials.Credentials{AuthToken: token})
}

// FromKey logs in with an API key (spec.md §3's "club-lemon" flow).
func FromKey(ctx context.Context, cfg Config, key string) (*Client, credentials.Account, error) {
	return newClient(ctx, cfg, credentials.Credentials{APIKey: key})
}

// From picks the right variant from whichever fields of creds are set.
func From(ctx context.Context, cfg Config, creds credentials.Credentials) (*Client, credentials.Account, error) {
	return newClient(ctx, cfg, creds)
}

func newClient(ctx context.Context, cfg Config, creds credentials.Credentials) (*Client, credentials.Account, error) {
	bootstrapTransport := httptransport.New(cfg.InstallationURL, nil)

	token, err := credentials.Resolve(ctx, bootstrapTransport, creds)
	if err != nil {
		return nil, credentials.Account{}, fmt.Errorf("wireclient: resolving credentials: %w", err)
	}

	holder := &tokenHolder{}
	holder.Set(token)

	transport := httptransport.New(cfg.InstallationURL, holder.Get)

	decoded, _, err := transport.Request(ctx, "/chat/me.json", httptransport.Options{
		Query: map[string]any{"includeAuth": true},
	})
	if err != nil {
		return nil, credentials.Account{}, fmt.Errorf("wireclient: fetching account: %w", err)
	}
	account, err := credentials.DecodeAccount(decoded)
	if err != nil {
		return nil, credentials.Account{}, err
	}

	socketURL, err := credentials.ResolveSocketURL(cfg.InstallationURL, cfg.SocketServerURL, ProductionSocketURL, DevelopmentSocketURLFormat)
	if err != nil {
		return nil, credentials.Account{}, err
	}

	c := &Client{
		cfg:       cfg,
		token:     holder,
		transport: transport,
		account:   account,
	}
	c.socket = wsocket.New(wsocket.Config{
		Dialer:         cfg.Dialer,
		URL:            socketURL,
		Token:          holder.Get,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		PingMaxAttempt: cfg.PingMaxAttempt,
		AwaitTimeout:   cfg.AwaitTimeout,
		Handshake: wsocket.HandshakeInfo{
			AuthKey:            account.AuthKey,
			UserID:             account.ID,
			InstallationDomain: cfg.InstallationURL,
			InstallationID:     account.InstallationID,
			ClientVersion:      clientVersionOrDefault(),
		},
		OnFrame:       cfg.OnFrame,
		OnStateChange: cfg.OnStateChange,
		OnClose:       cfg.OnClose,
	})

	return c, account, nil
}

func clientVersionOrDefault() string {
	return "dev"
}

// Connect dials the socket and runs the authentication handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.socket.Connect(ctx)
}

// Socket returns the underlying Socket Session (so the orchestrator can
// register OnFrame/OnClose and drive reconnects).
func (c *Client) Socket() *wsocket.Session {
	return c.socket
}

// Transport returns the underlying HTTP Transport.
func (c *Client) Transport() *httptransport.Transport {
	return c.transport
}

// Account returns the decoded /chat/me.json account from login.
func (c *Client) Account() credentials.Account {
	return c.account
}

// Token returns the current tw-auth value, reflecting any rotation done
// by Impersonate/Unimpersonate.
func (c *Client) Token() string {
	return c.token.Get()
}

// Close closes the underlying socket session.
func (c *Client) Close() {
	c.socket.Close()
}

// Logout closes the session and invalidates the server-side tw-auth
// token.
func (c *Client) Logout(ctx context.Context) error {
	c.Close()
	_, _, err := c.transport.Request(ctx, "/launchpad/v1/logout.json", httptransport.Options{Method: "DELETE"})
	return err
}

func (c *Client) rateLimitKey() string {
	if c.cfg.RateLimiterKey != "" {
		return c.cfg.RateLimiterKey
	}
	return c.cfg.InstallationURL
}

// checkFrameBudget enforces the outbound-frames rate limit bucket, a
// Contract violation (spec.md §7) rather than a Transport error.
func (c *Client) checkFrameBudget(ctx context.Context) error {
	if c.cfg.RateLimiter == nil {
		return nil
	}
	if err := c.cfg.RateLimiter.Allow(ctx, ratelimit.BucketOutboundFrames, c.rateLimitKey()); err != nil {
		logging.Warn(ctx, "outbound frame rate limit exceeded", zap.String("installation", c.cfg.InstallationURL))
		return err
	}
	return nil
}

func (c *Client) checkHTTPBudget(ctx context.Context) error {
	if c.cfg.RateLimiter == nil {
		return nil
	}
	if err := c.cfg.RateLimiter.Allow(ctx, ratelimit.BucketOutboundHTTP, c.rateLimitKey()); err != nil {
		logging.Warn(ctx, "outbound http rate limit exceeded", zap.String("installation", c.cfg.InstallationURL))
		return err
	}
	return nil
}
