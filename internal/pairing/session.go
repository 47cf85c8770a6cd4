package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/auth"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/tracing"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

// SessionRequest is the body of POST /access/session.
type SessionRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// SessionResponse carries a fresh session id.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"` // unix millis
}

// Expiry returns the expiry as a time; zero when the node sent none.
func (r *SessionResponse) Expiry() time.Time {
	if r.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.ExpiresAt).UTC()
}

// SessionClient exchanges long-lived credentials for session ids.
type SessionClient struct {
	base
}

// NewSessionClient creates a session client reading connection details
// from, and persisting sessions into, store.
func NewSessionClient(store settings.Store, opts ...Option) *SessionClient {
	return &SessionClient{base: newBase(store, opts)}
}

// RequestSession asks the node for a new session for clientID. Each call
// yields a new session that replaces any previous one. The connection is
// pinned to the stored fingerprint.
func (c *SessionClient) RequestSession(ctx context.Context, clientID, clientSecret string) (resp *SessionResponse, err error) {
	ctx, span := tracing.Start(ctx, "session.request")
	defer func() { tracing.End(span, err) }()

	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if s.APIURL == "" {
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonRepairingRequired, "client is not paired")
	}
	if clientID == "" || clientSecret == "" {
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonCredentialsRejected, "client credentials are missing")
	}

	tlsCfg, err := c.verifierFor(s.APIURL, s.TLSFingerprint)
	if err != nil {
		return nil, err
	}
	hc, err := c.httpClient(c.proxyConfig(s), tlsCfg, "session")
	if err != nil {
		return nil, err
	}

	creds := &auth.Credentials{ClientID: clientID, ClientSecret: clientSecret}
	status, body, err := c.postJSON(ctx, hc, s.APIURL+protocol.PathSession, creds, SessionRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return nil, err
	}
	if err := sessionStatusError(status, body); err != nil {
		return nil, err
	}

	resp = &SessionResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, nodeerr.Wrap(nodeerr.KindAuth, "", "malformed session response", err)
	}
	if resp.SessionID == "" {
		return nil, nodeerr.New(nodeerr.KindAuth, "", "session response has no session id")
	}
	return resp, nil
}

// RefreshSession requests a session with the stored credentials and
// persists it.
func (c *SessionClient) RefreshSession(ctx context.Context) (*SessionResponse, error) {
	s, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !s.Paired() {
		return nil, nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonRepairingRequired, "client is not paired")
	}

	resp, err := c.RequestSession(ctx, s.ClientID, s.ClientSecret)
	if err != nil {
		return nil, err
	}
	err = c.store.Update(ctx, func(cur *settings.SensitiveSettings) error {
		if cur.ClientID != s.ClientID {
			return fmt.Errorf("pairing changed during session refresh")
		}
		cur.SessionID = resp.SessionID
		cur.SessionExpiry = resp.Expiry()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	slog.Info("session.refreshed", "expires", resp.Expiry())
	return resp, nil
}

func sessionStatusError(status int, body []byte) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized:
		slog.Warn("security.session_rejected", "status", status)
		return nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonCredentialsRejected, "password incorrect or missing")
	case status == http.StatusForbidden:
		slog.Warn("security.session_rejected", "status", status)
		return nodeerr.New(nodeerr.KindAuth, nodeerr.ReasonAccessDenied, "unauthorized API access")
	case status >= 500:
		logHTTPFailure("session.server_error", status, body)
		return nodeerr.New(nodeerr.KindTransport, "", fmt.Sprintf("node error (HTTP %d)", status))
	default:
		logHTTPFailure("session.failed", status, body)
		return nodeerr.New(nodeerr.KindAuth, "", fmt.Sprintf("session request failed (HTTP %d)", status))
	}
}
