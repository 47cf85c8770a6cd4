// Package settings persists the client's pairing credentials encrypted at
// rest. All writes go through Update, which serializes writers and applies
// the whole mutation in one transaction.
package settings

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

// ProxyOption selects how connections to the node are routed.
type ProxyOption string

const (
	ProxyNone        ProxyOption = "NONE"
	ProxyInternalTor ProxyOption = "INTERNAL_TOR" // bundled tor daemon's SOCKS port
	ProxyExternalTor ProxyOption = "EXTERNAL_TOR" // user-run tor SOCKS port
	ProxySocks       ProxyOption = "SOCKS_PROXY"
)

// SensitiveSettings is the single persisted record of a pairing.
type SensitiveSettings struct {
	ClientName          string
	APIURL              string
	WebSocketURL        string
	TLSFingerprint      string
	TorClientAuthSecret string
	ClientID            string
	ClientSecret        string
	SessionID           string
	SessionExpiry       time.Time
	ProxyOption         ProxyOption
	ProxyURL            string
}

// Paired reports whether long-lived credentials are present.
func (s SensitiveSettings) Paired() bool {
	return s.ClientID != "" && s.ClientSecret != "" && s.APIURL != ""
}

// SessionValid reports whether a session id exists and has not expired at now.
func (s SensitiveSettings) SessionValid(now time.Time) bool {
	if s.SessionID == "" {
		return false
	}
	return s.SessionExpiry.IsZero() || now.Before(s.SessionExpiry)
}

// LogValue keeps secrets out of structured logs.
func (s SensitiveSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_name", s.ClientName),
		slog.String("api_url", s.APIURL),
		slog.Bool("paired", s.Paired()),
		slog.Bool("has_session", s.SessionID != ""),
		slog.Bool("has_fingerprint", s.TLSFingerprint != ""),
		slog.String("proxy", string(s.ProxyOption)),
	)
}

// Redacted returns a display map with secrets masked.
func (s SensitiveSettings) Redacted() map[string]string {
	expiry := ""
	if !s.SessionExpiry.IsZero() {
		expiry = s.SessionExpiry.Format(time.RFC3339)
	}
	return map[string]string{
		"clientName":          s.ClientName,
		"apiUrl":              s.APIURL,
		"webSocketUrl":        s.WebSocketURL,
		"tlsFingerprint":      nodeerr.Mask(s.TLSFingerprint),
		"torClientAuthSecret": nodeerr.Mask(s.TorClientAuthSecret),
		"clientId":            s.ClientID,
		"clientSecret":        nodeerr.Mask(s.ClientSecret),
		"sessionId":           nodeerr.Mask(s.SessionID),
		"sessionExpiry":       expiry,
		"proxyOption":         string(s.ProxyOption),
		"proxyUrl":            s.ProxyURL,
	}
}

// Store persists SensitiveSettings.
type Store interface {
	// Load returns the current record (zero value when nothing is stored).
	Load(ctx context.Context) (SensitiveSettings, error)
	// Update applies fn to a copy of the record and commits it atomically.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, fn func(*SensitiveSettings) error) error
	// Clear removes the record (logout / reset).
	Clear(ctx context.Context) error
}
