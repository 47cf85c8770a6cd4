// Package transport is the authenticated websocket link to the trading node.
// One Client multiplexes signed REST calls (correlated by request id) and
// sequence-numbered subscription events over a single connection.
//
// Reconnection policy belongs to the caller: the client reports its state
// and a new Connect may be issued at any time after it drops. Subscriptions
// outlive connections and are re-established on every successful Connect.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nodelink/internal/auth"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/sequencer"
	"github.com/nextlevelbuilder/nodelink/internal/tracing"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	expiredIDMemory         = 1024
)

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint, e.g. wss://node:8090/websocket.
	URL         string
	Credentials auth.Credentials
	// TLSConfig must carry the pinned verifier for wss:// URLs.
	TLSConfig *tls.Config
	// NetDialContext routes the TCP connection (proxy/Tor); nil dials directly.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	// RateLimit caps outbound calls per second; zero disables the limit.
	RateLimit rate.Limit
	RateBurst int

	Signer *auth.Signer
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	signer  *auth.Signer
	limiter *rate.Limiter
	expired *lru.Cache[string, time.Time]
	seq     *sequencer.Sequencer[protocol.Event]
	states  listeners

	mu    sync.Mutex
	state State
	conn  *connection
	creds auth.Credentials
	epoch int

	subMu sync.Mutex
	subs  map[subKey]*Subscription
	byID  map[string]*Subscription
	link  *connection // connection new subscriptions are sent on
}

// New creates a disconnected client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid url: %w", err)
	}
	switch u.Scheme {
	case "ws":
	case "wss":
		if cfg.TLSConfig == nil || cfg.TLSConfig.VerifyPeerCertificate == nil {
			return nil, nodeerr.Trust("", "wss connections require a pinned certificate", nil)
		}
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	expired, err := lru.New[string, time.Time](expiredIDMemory)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		signer:  cfg.Signer,
		expired: expired,
		seq:     sequencer.New[protocol.Event](),
		creds:   cfg.Credentials,
		subs:    make(map[subKey]*Subscription),
		byID:    make(map[string]*Subscription),
	}
	if c.signer == nil {
		c.signer = auth.NewSigner()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 5
		}
		c.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for state transitions and returns the function
// that unregisters it. Listeners run synchronously on the goroutine that
// caused the transition.
func (c *Client) OnStateChange(fn StateListener) (unregister func()) {
	return c.states.add(fn)
}

// SetCredentials replaces the credentials used for the next handshake and
// every subsequent call (e.g. after a session refresh).
func (c *Client) SetCredentials(creds auth.Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	c.states.notify(from, to)
}

// Connect dials the node, verifying its certificate during the TLS
// handshake and authenticating the upgrade request. Connecting while
// already connected is a no-op. On success every registered subscription
// is re-sent with a fresh subscriber id; if some of them fail, Connect
// returns a resubscribe_failed error while the connection stays up.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "transport.connect")
	defer func() { tracing.End(span, err) }()

	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		c.mu.Unlock()
		return nodeerr.New(nodeerr.KindTransport, "", "connect already in progress")
	}
	from := c.state
	to := Connecting
	if c.epoch > 0 && c.subscriptionCount() > 0 {
		to = Reconnecting
	}
	c.state = to
	creds := c.creds
	c.mu.Unlock()
	c.states.notify(from, to)

	ws, err := c.dial(ctx, creds)
	if err != nil {
		c.setState(Disconnected)
		return err
	}

	cn := newConnection(ws)
	c.mu.Lock()
	c.conn = cn
	c.epoch++
	epoch := c.epoch
	c.state = Connected
	c.mu.Unlock()

	// A connection that drops at once must not report Disconnected before
	// listeners have seen Connected.
	announced := make(chan struct{})
	go cn.writePump()
	go func() {
		cn.readPump(func(data []byte) { c.handleMessage(cn, data) })
		<-announced
		c.handleDisconnect(cn)
	}()

	slog.Info("transport.connected", "url", c.cfg.URL, "epoch", epoch)
	c.states.notify(to, Connected)
	close(announced)

	return c.attach(ctx, cn)
}

func (c *Client) dial(ctx context.Context, creds auth.Credentials) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "invalid url", err)
	}
	signed, err := c.signer.Headers(creds, http.MethodGet, u.RequestURI(), nil)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "sign handshake", err)
	}
	hdr := http.Header{}
	for k, v := range signed {
		hdr.Set(k, v)
	}

	dialer := websocket.Dialer{
		NetDialContext:   c.cfg.NetDialContext,
		TLSClientConfig:  c.cfg.TLSConfig,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err == nil {
		return ws, nil
	}
	if nodeerr.KindOf(err) == nodeerr.KindTrust {
		return nil, err
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			slog.Warn("security.handshake_rejected", "status", resp.StatusCode)
			return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonSessionExpired, "node rejected the session")
		case http.StatusForbidden:
			slog.Warn("security.handshake_rejected", "status", resp.StatusCode)
			return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonAccessDenied, "unauthorized API access")
		}
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", fmt.Sprintf("websocket handshake failed (HTTP %d)", resp.StatusCode), err)
	}
	return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "websocket connect failed", err)
}

func (c *Client) handleDisconnect(cn *connection) {
	cn.close()
	cn.ws.Close()
	c.detach(cn)

	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if current {
		slog.Warn("transport.disconnected", "url", c.cfg.URL)
		c.setState(Disconnected)
	}
}

// Disconnect closes the connection. Pending requests fail with
// connection_lost; subscriptions are kept for the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn == nil {
		return
	}
	cn.close()
	c.detach(cn)
	c.setState(Disconnected)
}

// Close disconnects and drops every subscription.
func (c *Client) Close() {
	c.Disconnect()

	c.subMu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subMu.Unlock()

	for _, s := range subs {
		c.remove(s)
	}
}

func (c *Client) current() (*connection, auth.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.creds
}

// Call sends a REST request over the websocket and waits for its response.
// 401 and 403 answers are returned as AuthErrors; any other status is
// returned to the caller.
func (c *Client) Call(ctx context.Context, method, path string, body []byte) (resp *protocol.RestAPIResponse, err error) {
	method = strings.ToUpper(method)
	ctx, span := tracing.Start(ctx, "transport.call",
		attribute.String("http.method", method),
		attribute.String("http.path", auth.NormalizePath(path)),
	)
	defer func() { tracing.End(span, err) }()

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	cn, creds := c.current()
	if cn == nil {
		return nil, nodeerr.New(nodeerr.KindTransport, nodeerr.ReasonNotConnected, "not connected to node")
	}

	headers, err := c.signer.Headers(creds, method, path, body)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "sign request", err)
	}
	if len(body) > 0 {
		headers["Content-Type"] = "application/json"
	}

	id := uuid.NewString()
	raw, err := c.roundTrip(ctx, cn, id, protocol.NewRestAPIRequest(id, method, path, string(body), headers))
	if err != nil {
		return nil, err
	}
	resp = &protocol.RestAPIResponse{}
	if err := json.Unmarshal(raw, resp); err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "malformed response", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonSessionExpired, "node rejected the request signature or session")
	case http.StatusForbidden:
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonAccessDenied, "unauthorized API access")
	}
	return resp, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return nodeerr.New(nodeerr.KindTransport, "", "rate limit exceeded")
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	slog.Debug("transport.rate_limited", "delay", delay)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return nodeerr.Wrap(nodeerr.KindTransport, "", "rate limit wait cancelled", ctx.Err())
	}
}

// roundTrip sends msg tracked under id and waits for the frame that answers
// it. The per-request deadline fails only this request.
func (c *Client) roundTrip(ctx context.Context, cn *connection, id string, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ch, err := cn.register(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := cn.enqueue(ctx, data); err != nil {
		cn.forget(id)
		return nil, c.requestError(ctx, id, err)
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-cn.done:
		cn.forget(id)
		return nil, errConnectionLost()
	case <-ctx.Done():
		cn.forget(id)
		return nil, c.requestError(ctx, id, ctx.Err())
	}
}

func (c *Client) requestError(ctx context.Context, id string, err error) error {
	if nodeerr.KindOf(err) != "" {
		return err
	}
	c.expired.Add(id, time.Now())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nodeerr.New(nodeerr.KindTransport, nodeerr.ReasonTimeout, "request timed out")
	}
	return nodeerr.Wrap(nodeerr.KindTransport, "", "request cancelled", err)
}

// handleMessage routes one inbound frame.
func (c *Client) handleMessage(cn *connection, data []byte) {
	typ, err := protocol.ParseMessageType(data)
	if err != nil {
		slog.Warn("transport: invalid frame", "error", err)
		return
	}

	switch typ {
	case protocol.TypeRestAPIResponse, protocol.TypeSubscriptionResponse:
		var head struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			slog.Warn("transport: malformed response", "type", typ, "error", err)
			return
		}
		if cn.resolve(head.RequestID, data) {
			return
		}
		if _, late := c.expired.Get(head.RequestID); late {
			slog.Debug("transport: late response dropped", "request_id", head.RequestID)
			return
		}
		slog.Warn("transport: unmatched response dropped", "type", typ, "request_id", head.RequestID)

	case protocol.TypeEvent:
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("transport: malformed event", "error", err)
			return
		}
		c.dispatch(ev)

	default:
		slog.Warn("transport: unexpected frame type", "type", typ)
	}
}
