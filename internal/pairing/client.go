// Package pairing implements the HTTP exchanges that bootstrap and refresh a
// client's credentials with the trading node:
//
//   - POST {api}/access/pairing trades a scanned pairing code for long-lived
//     client credentials. The node's certificate is not yet pinned at this
//     point, so the exchange is trust-on-first-use: the certificate is probed
//     first, checked against the fingerprint carried in the QR code, and the
//     request itself then runs over a connection pinned to that fingerprint.
//   - POST {api}/access/session trades the credentials for a short-lived
//     session id over a pinned connection.
//
// Successful exchanges are persisted through settings.Store in a single
// update; failures never touch persisted state.
package pairing

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/auth"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/proxy"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 1 << 20
)

// Option configures Client and SessionClient.
type Option func(*base)

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithProxy routes requests through the given proxy configuration. Without
// it the proxy stored in settings is used.
func WithProxy(cfg *proxy.Config) Option {
	return func(b *base) { b.proxy = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSigner overrides the request signer.
func WithSigner(s *auth.Signer) Option {
	return func(b *base) {
		if s != nil {
			b.signer = s
		}
	}
}

// WithTrustOptions passes options to every trust.Verifier built.
func WithTrustOptions(opts ...trust.Option) Option {
	return func(b *base) { b.trustOpts = append(b.trustOpts, opts...) }
}

// base holds what the pairing and session clients share.
type base struct {
	store     settings.Store
	signer    *auth.Signer
	proxy     *proxy.Config
	timeout   time.Duration
	now       func() time.Time
	trustOpts []trust.Option
	firstUse  FirstUseFunc
}

func newBase(store settings.Store, opts []Option) base {
	b := base{
		store:   store,
		signer:  auth.NewSigner(),
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) proxyConfig(s settings.SensitiveSettings) *proxy.Config {
	if b.proxy != nil {
		return b.proxy
	}
	return proxy.FromSettings(s)
}

func (b *base) httpClient(pc *proxy.Config, tlsCfg *tls.Config, tag string) (*http.Client, error) {
	tr, err := pc.Transport(tlsCfg, tag)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "proxy configuration is invalid", err)
	}
	return &http.Client{
		Transport: tr,
		Timeout:   b.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// postJSON signs (when creds is non-nil) and sends a JSON POST. It returns
// the status code and a bounded body.
func (b *base) postJSON(ctx context.Context, hc *http.Client, endpoint string, creds *auth.Credentials, in any) (int, []byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nodeerr.Wrap(nodeerr.KindTransport, "", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if creds != nil {
		headers, err := b.signer.Headers(*creds, req.Method, req.URL.RequestURI(), body)
		if err != nil {
			return 0, nil, nodeerr.Wrap(nodeerr.KindTransport, "", "sign request", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, classifyDoError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, nodeerr.Wrap(nodeerr.KindTransport, nodeerr.ReasonConnectionLost, "read response", err)
	}
	return resp.StatusCode, data, nil
}

// classifyDoError surfaces trust failures raised inside the TLS handshake
// as TrustErrors and everything else as TransportErrors.
func classifyDoError(err error) error {
	if kind := nodeerr.KindOf(err); kind != "" {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return nodeerr.Wrap(nodeerr.KindTransport, nodeerr.ReasonTimeout, "request timed out", err)
	}
	return nodeerr.Wrap(nodeerr.KindTransport, "", "request failed", err)
}

// verifierFor builds a pinned TLS config for apiURL, or nil for plain HTTP.
func (b *base) verifierFor(apiURL, fingerprint string) (*tls.Config, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindTransport, "", "invalid api url", err)
	}
	if u.Scheme != "https" {
		return nil, nil
	}
	v, err := trust.NewVerifier(u.Host, fingerprint, b.trustOpts...)
	if err != nil {
		return nil, err
	}
	return v.TLSConfig(), nil
}

// probeFingerprint completes a TLS handshake with hostport without trusting
// anything and returns the leaf certificate's fingerprint.
func probeFingerprint(ctx context.Context, pc *proxy.Config, hostport string, timeout time.Duration) (string, error) {
	dial, err := pc.ToDialContext("pairing")
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.KindTransport, "", "proxy configuration is invalid", err)
	}
	if dial == nil {
		dial = (&net.Dialer{Timeout: timeout}).DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := dial(ctx, "tcp", hostport)
	if err != nil {
		return "", nodeerr.Wrap(nodeerr.KindTransport, "", "connect to node", err)
	}
	defer raw.Close()

	host, _, _ := net.SplitHostPort(hostport)
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	if net.ParseIP(host) == nil && !strings.HasSuffix(host, ".onion") {
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		return "", nodeerr.Wrap(nodeerr.KindTransport, "", "tls handshake with node", err)
	}
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", nodeerr.Trust("", "node presented no certificate", nil)
	}
	return trust.Fingerprint(certs[0].Raw), nil
}

func logHTTPFailure(event string, status int, body []byte) {
	slog.Warn(event, "status", status, "body", nodeerr.Scrub(truncate(string(body), 200)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
