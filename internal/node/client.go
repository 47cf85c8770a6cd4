// Package node is the client-facing entry point: it pairs with a node,
// keeps the session fresh and owns the websocket transport built from the
// persisted settings.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nodelink/internal/auth"
	"github.com/nextlevelbuilder/nodelink/internal/codec"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/pairing"
	"github.com/nextlevelbuilder/nodelink/internal/proxy"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/transport"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

// Options configures a Client. Zero values select defaults.
type Options struct {
	RequestTimeout time.Duration
	HTTPTimeout    time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	// LoopbackAlias/LoopbackHost override the emulator loopback mapping
	// used during certificate host matching.
	LoopbackAlias string
	LoopbackHost  string
	// FirstUse confirms the node certificate during pairing.
	FirstUse pairing.FirstUseFunc
	Now      func() time.Time
}

// Client composes pairing, session refresh and the transport.
type Client struct {
	store    settings.Store
	opts     Options
	now      func() time.Time
	pairer   *pairing.Client
	sessions *pairing.SessionClient

	mu sync.Mutex
	tr *transport.Client
}

// New creates a client over store.
func New(store settings.Store, opts Options) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	popts := []pairing.Option{
		pairing.WithClock(now),
		pairing.WithTimeout(opts.HTTPTimeout),
		pairing.WithTrustOptions(trustOptions(opts)...),
	}
	if opts.FirstUse != nil {
		popts = append(popts, pairing.WithFirstUse(opts.FirstUse))
	}
	return &Client{
		store:    store,
		opts:     opts,
		now:      now,
		pairer:   pairing.NewClient(store, popts...),
		sessions: pairing.NewSessionClient(store, popts...),
	}
}

func trustOptions(opts Options) []trust.Option {
	if opts.LoopbackAlias == "" && opts.LoopbackHost == "" {
		return nil
	}
	alias, host := opts.LoopbackAlias, opts.LoopbackHost
	if alias == "" {
		alias = trust.DefaultLoopbackAlias
	}
	if host == "" {
		host = trust.DefaultLoopbackHost
	}
	return []trust.Option{trust.WithLoopbackAlias(alias, host)}
}

// Pair decodes a scanned QR payload and pairs with the node it names. Any
// existing transport is closed since it belongs to the previous pairing.
func (c *Client) Pair(ctx context.Context, qrText, clientName string) (*pairing.PairingResponse, error) {
	qr, err := codec.DecodeQRString(strings.TrimSpace(qrText))
	if err != nil {
		return nil, err
	}
	resp, err := c.pairer.RequestPairing(ctx, qr, clientName)
	if err != nil {
		return nil, err
	}
	c.dropTransport()
	return resp, nil
}

// RefreshSession obtains and persists a new session and hands it to the
// live transport.
func (c *Client) RefreshSession(ctx context.Context) error {
	if _, err := c.sessions.RefreshSession(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		s, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		tr.SetCredentials(credentials(s))
	}
	return nil
}

func credentials(s settings.SensitiveSettings) auth.Credentials {
	return auth.Credentials{ClientID: s.ClientID, ClientSecret: s.ClientSecret, SessionID: s.SessionID}
}

// transport returns the transport for the current pairing, building it from
// settings on first use.
func (c *Client) transport(ctx context.Context) (*transport.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		return c.tr, nil
	}

	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !s.Paired() || s.WebSocketURL == "" {
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonRepairingRequired, "client is not paired")
	}
	endpoint, err := protocol.WebSocketEndpoint(s.WebSocketURL)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindFormat, "", "stored websocket url is invalid", err)
	}

	cfg := transport.Config{
		URL:            endpoint,
		Credentials:    credentials(s),
		RequestTimeout: c.opts.RequestTimeout,
		RateLimit:      c.opts.RateLimit,
		RateBurst:      c.opts.RateBurst,
	}
	if strings.HasPrefix(endpoint, "wss://") {
		hostport, err := protocol.HostPort(endpoint)
		if err != nil {
			return nil, nodeerr.Wrap(nodeerr.KindFormat, "", "stored websocket url is invalid", err)
		}
		v, err := trust.NewVerifier(hostport, s.TLSFingerprint, trustOptions(c.opts)...)
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = v.TLSConfig()
	}
	dial, err := proxy.FromSettings(s).ToDialContext("websocket")
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "proxy configuration is invalid", err)
	}
	if dial != nil {
		cfg.NetDialContext = dial
	}

	tr, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	c.tr = tr
	return tr, nil
}

func (c *Client) dropTransport() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

// Connect opens the transport, refreshing an expired session first. A
// handshake rejected for authentication gets one session refresh and one
// more attempt.
func (c *Client) Connect(ctx context.Context) error {
	s, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !s.Paired() {
		return nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonRepairingRequired, "client is not paired")
	}
	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}
	if !s.SessionValid(c.now()) {
		slog.Info("node: session missing or expired, refreshing")
		if err := c.RefreshSession(ctx); err != nil {
			return c.authFailure(err)
		}
	}

	err = tr.Connect(ctx)
	if nodeerr.KindOf(err) != nodeerr.KindAuth {
		return err
	}
	slog.Warn("security.auth_retry", "op", "connect", "reason", nodeerr.ReasonOf(err))
	if rerr := c.RefreshSession(ctx); rerr != nil {
		return c.authFailure(rerr)
	}
	if err := tr.Connect(ctx); err != nil {
		return c.authFailure(err)
	}
	return nil
}

// Call performs a REST call over the websocket. An AuthError triggers one
// session refresh and one retry; a second AuthError means the client must
// pair again.
func (c *Client) Call(ctx context.Context, method, path string, body []byte) (*protocol.RestAPIResponse, error) {
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := tr.Call(ctx, method, path, body)
	if nodeerr.KindOf(err) != nodeerr.KindAuth {
		return resp, err
	}

	slog.Warn("security.auth_retry", "op", "call", "reason", nodeerr.ReasonOf(err))
	if rerr := c.RefreshSession(ctx); rerr != nil {
		return nil, c.authFailure(rerr)
	}
	resp, err = tr.Call(ctx, method, path, body)
	if err != nil {
		return nil, c.authFailure(err)
	}
	return resp, nil
}

// authFailure turns a repeated AuthError into repairing_required.
func (c *Client) authFailure(err error) error {
	if nodeerr.KindOf(err) != nodeerr.KindAuth {
		return err
	}
	slog.Warn("security.repairing_required", "reason", nodeerr.ReasonOf(err))
	return nodeerr.Wrap(nodeerr.KindAuth, nodeerr.ReasonRepairingRequired, "node keeps rejecting this client; pair again", err)
}

// Subscribe registers handler for (topic, parameter) on the transport.
func (c *Client) Subscribe(ctx context.Context, topic, parameter string, handler transport.Handler) (*transport.Subscription, error) {
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	return tr.Subscribe(ctx, topic, parameter, handler)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, s *transport.Subscription) error {
	tr, err := c.transport(ctx)
	if err != nil {
		return err
	}
	return tr.Unsubscribe(ctx, s)
}

// State reports the transport state; Disconnected before the first Connect.
func (c *Client) State() transport.State {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return transport.Disconnected
	}
	return tr.State()
}

// OnStateChange registers fn on the transport.
func (c *Client) OnStateChange(ctx context.Context, fn transport.StateListener) (func(), error) {
	tr, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	return tr.OnStateChange(fn), nil
}

// Disconnect drops the connection but keeps subscriptions.
func (c *Client) Disconnect() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		tr.Disconnect()
	}
}

// Close tears down the transport and its subscriptions.
func (c *Client) Close() {
	c.dropTransport()
}

// Reset logs out: closes the transport and clears persisted settings.
func (c *Client) Reset(ctx context.Context) error {
	c.dropTransport()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}
	slog.Info("node: pairing reset")
	return nil
}
