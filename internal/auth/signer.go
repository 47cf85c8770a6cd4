// Package auth computes the HMAC request signatures the node uses to
// authenticate a paired client.
//
// The string to sign is
//
//	nonce \n timestamp \n METHOD \n normalizedPath \n hex(sha256(body))
//
// keyed with the client secret; the signature is lower-case hex HMAC-SHA256.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

// DefaultNonceBytes is the random byte count behind each nonce (32 hex chars).
const DefaultNonceBytes = 16

// Sign returns the lower-case hex HMAC-SHA256 of the canonical string.
// method is upper-cased; the other fields are used verbatim.
func Sign(secret, nonce, timestamp, method, normalizedPath, bodyHashHex string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(nonce, timestamp, method, normalizedPath, bodyHashHex)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalString joins the signed fields with single newlines.
func CanonicalString(nonce, timestamp, method, normalizedPath, bodyHashHex string) string {
	return strings.Join([]string{
		nonce,
		timestamp,
		strings.ToUpper(method),
		normalizedPath,
		bodyHashHex,
	}, "\n")
}

// BodyHash is the hex SHA-256 of the raw body; nil hashes as empty.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NormalizePath takes an absolute path with optional query and strips one
// trailing slash from the path part, unless the path is exactly "/".
func NormalizePath(target string) string {
	path, query, hasQuery := strings.Cut(target, "?")
	if path == "" {
		path = "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	if hasQuery {
		return path + "?" + query
	}
	return path
}

// GenerateNonce returns 2n hex characters read from rnd (crypto/rand when nil).
func GenerateNonce(rnd io.Reader, n int) (string, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if n <= 0 {
		n = DefaultNonceBytes
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rnd, b); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Signer produces authentication headers for outgoing requests. A fresh
// nonce is drawn for every request; the node rejects replays.
type Signer struct {
	rand       io.Reader
	now        func() time.Time
	nonceBytes int
}

// NewSigner creates a signer using crypto/rand and the wall clock.
func NewSigner() *Signer {
	return &Signer{rand: rand.Reader, now: time.Now, nonceBytes: DefaultNonceBytes}
}

// NewSignerWith injects the random source and clock (tests, platform RNGs).
func NewSignerWith(rnd io.Reader, now func() time.Time) *Signer {
	s := NewSigner()
	if rnd != nil {
		s.rand = rnd
	}
	if now != nil {
		s.now = now
	}
	return s
}

// Credentials identify a paired client and its active session.
type Credentials struct {
	ClientID     string
	ClientSecret string
	SessionID    string
}

// Headers signs a request and returns the authentication headers.
// target is the request path with optional query string.
func (s *Signer) Headers(creds Credentials, method, target string, body []byte) (map[string]string, error) {
	nonce, err := GenerateNonce(s.rand, s.nonceBytes)
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	sig := Sign(creds.ClientSecret, nonce, ts, method, NormalizePath(target), BodyHash(body))

	h := map[string]string{
		protocol.HeaderClientID:  creds.ClientID,
		protocol.HeaderNonce:     nonce,
		protocol.HeaderTimestamp: ts,
		protocol.HeaderSignature: sig,
	}
	if creds.SessionID != "" {
		h[protocol.HeaderSessionID] = creds.SessionID
	}
	return h, nil
}
