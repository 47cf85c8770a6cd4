// Package trust pins the node's TLS certificate.
//
// The node runs with a self-signed certificate, so CA validation is replaced
// by two checks that must both pass: the leaf certificate's SHA-256 digest
// equals the fingerprint delivered out of band (QR code), and the expected
// host appears in the certificate's SAN list. Onion hosts are exempt from the
// SAN check because a certificate cannot name a hidden-service address that
// did not exist when it was issued; the fingerprint check still applies.
package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

const (
	// DefaultLoopbackAlias is the address an emulator or container uses to
	// reach the host's loopback interface.
	DefaultLoopbackAlias = "10.0.2.2"
	// DefaultLoopbackHost is the loopback name the node's certificate is issued for.
	DefaultLoopbackHost = "127.0.0.1"

	onionSuffix  = ".onion"
	localhostSAN = "localhost"
)

// Verifier checks a peer certificate chain against a pinned fingerprint and
// an expected host. It is safe for concurrent use.
type Verifier struct {
	host          string
	pin           [sha256.Size]byte
	loopbackAlias string
	loopbackHost  string
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithLoopbackAlias overrides the alias → loopback host substitution.
// An empty alias disables it.
func WithLoopbackAlias(alias, host string) Option {
	return func(v *Verifier) {
		v.loopbackAlias = alias
		v.loopbackHost = host
	}
}

// NewVerifier creates a verifier for host pinned to fingerprint, the
// standard base64 encoding of the certificate's SHA-256 digest.
// host may carry a port or IPv6 brackets.
func NewVerifier(host, fingerprint string, opts ...Option) (*Verifier, error) {
	h := normalizeHost(host)
	if h == "" {
		return nil, nodeerr.Trust("", "expected host is empty", nil)
	}
	raw, err := decodeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	v := &Verifier{
		host:          h,
		loopbackAlias: DefaultLoopbackAlias,
		loopbackHost:  DefaultLoopbackHost,
	}
	copy(v.pin[:], raw)
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Host returns the expected host the verifier matches against.
func (v *Verifier) Host() string { return v.host }

// Fingerprint returns the base64 SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SameFingerprint reports whether a and b are valid fingerprints of the same
// digest. Padding and surrounding whitespace do not matter.
func SameFingerprint(a, b string) bool {
	ra, err := decodeFingerprint(a)
	if err != nil {
		return false
	}
	rb, err := decodeFingerprint(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ra, rb) == 1
}

// VerifyChain validates rawCerts (leaf first). Any failure, including a
// panic while parsing, is a TrustError.
func (v *Verifier) VerifyChain(rawCerts [][]byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nodeerr.Trust("", "certificate verification aborted", fmt.Errorf("%v", r))
		}
		if err != nil {
			slog.Warn("security.trust_rejected", "host", v.host, "reason", nodeerr.ReasonOf(err))
		}
	}()

	if len(rawCerts) == 0 || len(rawCerts[0]) == 0 {
		return nodeerr.Trust("", "peer presented no certificate", nil)
	}
	leaf, perr := x509.ParseCertificate(rawCerts[0])
	if perr != nil {
		return nodeerr.Trust("", "malformed peer certificate", perr)
	}

	if !v.hostMatches(leaf) {
		return nodeerr.Trust(nodeerr.ReasonSANMismatch, "certificate does not cover host "+v.host, nil)
	}

	sum := sha256.Sum256(leaf.Raw)
	if subtle.ConstantTimeCompare(sum[:], v.pin[:]) != 1 {
		return nodeerr.Trust(nodeerr.ReasonFingerprintMismatch, "certificate fingerprint does not match pin", nil)
	}
	return nil
}

// VerifyPeerCertificate matches tls.Config.VerifyPeerCertificate.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return v.VerifyChain(rawCerts)
}

// VerifyClientChain always fails: pinning is outbound-only.
func (v *Verifier) VerifyClientChain(_ [][]byte) error {
	return nodeerr.Trust("", "client certificate verification is not supported", nil)
}

// TLSConfig returns a client TLS config whose only trust decision is this
// verifier. Go's CA verification is disabled because the pin replaces it;
// VerifyPeerCertificate still runs on every handshake.
func (v *Verifier) TLSConfig() *tls.Config {
	serverName := v.host
	if net.ParseIP(serverName) != nil || strings.HasSuffix(serverName, onionSuffix) {
		serverName = ""
	}
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		ServerName:            serverName,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
	}
}

func (v *Verifier) hostMatches(cert *x509.Certificate) bool {
	host := v.host
	if v.loopbackAlias != "" && strings.EqualFold(host, v.loopbackAlias) {
		host = v.loopbackHost
	}

	if strings.HasSuffix(strings.ToLower(host), onionSuffix) {
		slog.Debug("security.trust_onion_san_skipped", "host", host)
		return true
	}

	if sanMatches(cert, host) {
		return true
	}
	return sanMatches(cert, localhostSAN)
}

// sanMatches checks DNS SANs (case-insensitive, exact, no wildcards) and IP SANs (exact).
func sanMatches(cert *x509.Certificate, host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		for _, san := range cert.IPAddresses {
			if san.Equal(ip) {
				return true
			}
		}
		return false
	}
	for _, name := range cert.DNSNames {
		if strings.EqualFold(name, host) {
			return true
		}
	}
	return false
}

func decodeFingerprint(fp string) ([]byte, error) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil, nodeerr.Trust("", "no pinned fingerprint", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(fp)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(fp)
	}
	if err != nil {
		return nil, nodeerr.Trust("", "pinned fingerprint is not base64", nil)
	}
	if len(raw) != sha256.Size {
		return nil, nodeerr.Trust("", fmt.Sprintf("pinned fingerprint is %d bytes, want %d", len(raw), sha256.Size), nil)
	}
	return raw, nil
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}
