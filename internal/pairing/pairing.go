package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/nodelink/internal/codec"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/proxy"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/tracing"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

// PairingAPIVersion is sent in, and expected back from, the pairing request.
const PairingAPIVersion = 1

// PairingRequest is the body of POST /access/pairing.
type PairingRequest struct {
	Version       int    `json:"version"`
	PairingCodeID string `json:"pairingCodeId"`
	ClientName    string `json:"clientName"`
}

// PairingResponse is the node's answer to a successful pairing.
type PairingResponse struct {
	Version           int    `json:"version"`
	ClientID          string `json:"clientId"`
	ClientSecret      string `json:"clientSecret"`
	SessionID         string `json:"sessionId"`
	SessionExpiryDate int64  `json:"sessionExpiryDate"` // unix millis

	// ObservedFingerprint is the certificate fingerprint seen during the
	// trust-on-first-use probe; empty for plain-HTTP nodes.
	ObservedFingerprint string `json:"-"`
	// PinnedFingerprint is the fingerprint persisted for later connections.
	PinnedFingerprint string `json:"-"`
}

// SessionExpiry returns the session expiry as a time.
func (r *PairingResponse) SessionExpiry() time.Time {
	if r.SessionExpiryDate <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.SessionExpiryDate).UTC()
}

// FirstUse describes the certificate a node presented before any pin
// existed for it.
type FirstUse struct {
	Host     string
	Observed string // fingerprint presented by the node
	Expected string // fingerprint carried in the QR code, may be empty
}

// Matches reports whether the node presented the QR code's certificate.
func (f FirstUse) Matches() bool {
	return f.Expected != "" && trust.SameFingerprint(f.Expected, f.Observed)
}

// FirstUseFunc approves (nil) or refuses a first-use certificate. It is
// called outside the TLS handshake, so it may block on user input.
type FirstUseFunc func(ctx context.Context, f FirstUse) error

// WithFirstUse installs the trust-on-first-use confirmation hook. Without a
// hook, a node whose QR code carries no fingerprint cannot be paired over TLS.
func WithFirstUse(fn FirstUseFunc) Option {
	return func(b *base) { b.firstUse = fn }
}

// Client performs the pairing exchange.
type Client struct {
	base
}

// NewClient creates a pairing client persisting into store.
func NewClient(store settings.Store, opts ...Option) *Client {
	return &Client{base: newBase(store, opts)}
}

// RequestPairing redeems qr's pairing code with the node and persists the
// returned credentials together with the connection details from qr.
func (c *Client) RequestPairing(ctx context.Context, qr codec.PairingQRCode, clientName string) (resp *PairingResponse, err error) {
	ctx, span := tracing.Start(ctx, "pairing.request", attribute.String("node.ws_url", qr.WebSocketURL))
	defer func() { tracing.End(span, err) }()

	if qr.PairingCode.Expired(c.now()) {
		return nil, nodeerr.New(nodeerr.KindPairing, nodeerr.ReasonCodeExpired, "pairing code has expired")
	}
	clientName = strings.TrimSpace(clientName)
	if clientName == "" {
		return nil, nodeerr.New(nodeerr.KindPairing, "", "client name is required")
	}
	apiURL, err := protocol.APIBaseURL(qr.WebSocketURL)
	if err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindFormat, "", "pairing code carries an invalid websocket url", err)
	}

	current, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	pc := c.proxyConfig(current)

	observed, pinned, err := c.establishPin(ctx, pc, qr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := c.verifierFor(apiURL, pinned)
	if err != nil {
		return nil, err
	}
	hc, err := c.httpClient(pc, tlsCfg, "pairing")
	if err != nil {
		return nil, err
	}

	slog.Info("pairing.requesting", "api_url", apiURL, "client_name", clientName)
	status, body, err := c.postJSON(ctx, hc, apiURL+protocol.PathPairing, nil, PairingRequest{
		Version:       PairingAPIVersion,
		PairingCodeID: qr.PairingCode.ID,
		ClientName:    clientName,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		logHTTPFailure("pairing.rejected", status, body)
		return nil, nodeerr.New(nodeerr.KindPairing, "", fmt.Sprintf("node rejected pairing (HTTP %d %s)", status, http.StatusText(status)))
	}

	resp = &PairingResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindPairing, "", "malformed pairing response", err)
	}
	if resp.ClientID == "" || resp.ClientSecret == "" {
		return nil, nodeerr.New(nodeerr.KindPairing, "", "pairing response is missing credentials")
	}
	if resp.Version != PairingAPIVersion {
		slog.Warn("pairing.version_mismatch", "sent", PairingAPIVersion, "received", resp.Version)
	}
	resp.ObservedFingerprint = observed
	resp.PinnedFingerprint = pinned

	err = c.store.Update(ctx, func(s *settings.SensitiveSettings) error {
		s.ClientName = clientName
		s.APIURL = apiURL
		s.WebSocketURL = qr.WebSocketURL
		s.TLSFingerprint = pinned
		s.TorClientAuthSecret = qr.TorClientAuthSecret
		s.ClientID = resp.ClientID
		s.ClientSecret = resp.ClientSecret
		s.SessionID = resp.SessionID
		s.SessionExpiry = resp.SessionExpiry()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist pairing: %w", err)
	}

	slog.Info("pairing.completed", "api_url", apiURL, "has_session", resp.SessionID != "")
	return resp, nil
}

// establishPin probes the node's certificate and decides which fingerprint
// later connections pin: the QR code's when it carries one, otherwise the
// approved observed one. Plain-HTTP nodes pin whatever the QR code carries.
func (c *Client) establishPin(ctx context.Context, pc *proxy.Config, qr codec.PairingQRCode) (observed, pinned string, err error) {
	if !strings.HasPrefix(qr.WebSocketURL, "wss://") && !strings.HasPrefix(qr.WebSocketURL, "https://") {
		return "", qr.TLSFingerprint, nil
	}
	hostport, err := protocol.HostPort(qr.WebSocketURL)
	if err != nil {
		return "", "", nodeerr.Wrap(nodeerr.KindFormat, "", "pairing code carries an invalid websocket url", err)
	}

	observed, err = probeFingerprint(ctx, pc, hostport, c.timeout)
	if err != nil {
		return "", "", err
	}
	fu := FirstUse{Host: hostport, Observed: observed, Expected: qr.TLSFingerprint}

	switch {
	case fu.Expected != "" && !fu.Matches():
		slog.Warn("security.tofu_fingerprint_mismatch", "host", hostport)
		return observed, "", nodeerr.Trust(nodeerr.ReasonFingerprintMismatch,
			"node certificate does not match the pairing code", nil)
	case fu.Expected == "" && c.firstUse == nil:
		slog.Warn("security.tofu_unpinned", "host", hostport)
		return observed, "", nodeerr.Trust("", "pairing code carries no certificate fingerprint", nil)
	}

	if c.firstUse != nil {
		if err := c.firstUse(ctx, fu); err != nil {
			return observed, "", nodeerr.Trust("", "certificate not accepted", err)
		}
	}
	slog.Info("security.tofu_accepted", "host", hostport, "from_qr", fu.Expected != "")
	if fu.Expected != "" {
		return observed, qr.TLSFingerprint, nil
	}
	return observed, observed, nil
}
