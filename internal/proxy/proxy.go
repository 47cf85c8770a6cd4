// Package proxy routes outbound node connections directly, through a SOCKS5
// proxy, or through a Tor SOCKS port with per-purpose stream isolation.
package proxy

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/nextlevelbuilder/nodelink/internal/settings"
)

const (
	// DefaultInternalTorAddr is the SOCKS port of the tor daemon started
	// alongside the client.
	DefaultInternalTorAddr = "127.0.0.1:9150"
	// DefaultExternalTorAddr is the conventional system tor SOCKS port.
	DefaultExternalTorAddr = "127.0.0.1:9050"

	maxSocks5AuthLen = 255
	dialTimeout      = 30 * time.Second
)

var torIsolationPrefix string

// DialContextFn matches net.Dialer.DialContext.
type DialContextFn func(ctx context.Context, network, addr string) (net.Conn, error)

// Config is the proxy configuration derived from the persisted settings.
type Config struct {
	Option settings.ProxyOption
	// URL is "socks5://[user:pass@]host:port" or a bare "host:port".
	// Optional for the Tor options, required for SOCKS_PROXY.
	URL string

	addr string
	auth *xproxy.Auth
}

// FromSettings builds a Config from persisted settings.
func FromSettings(s settings.SensitiveSettings) *Config {
	return &Config{Option: s.ProxyOption, URL: s.ProxyURL}
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Option == "" {
		c.Option = settings.ProxyNone
	}
	switch c.Option {
	case settings.ProxyNone:
		return nil
	case settings.ProxyInternalTor, settings.ProxyExternalTor, settings.ProxySocks:
	default:
		return fmt.Errorf("proxy/config: option %q is invalid", c.Option)
	}

	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		switch c.Option {
		case settings.ProxyInternalTor:
			raw = DefaultInternalTorAddr
		case settings.ProxyExternalTor:
			raw = DefaultExternalTorAddr
		default:
			return fmt.Errorf("proxy/config: SOCKS proxy requires an address")
		}
	}
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("proxy/config: address is invalid: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return fmt.Errorf("proxy/config: scheme %q is not supported", u.Scheme)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return fmt.Errorf("proxy/config: address %q is invalid: %w", u.Host, err)
	}
	c.addr = u.Host

	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		if len(user) > maxSocks5AuthLen || len(pass) > maxSocks5AuthLen {
			return fmt.Errorf("proxy/config: credentials too long")
		}
		if user == "" || pass == "" {
			return fmt.Errorf("proxy/config: both user and password must be specified")
		}
		if c.isTor() {
			return fmt.Errorf("proxy/config: Tor SOCKS5 conflicts with setting user/password")
		}
		c.auth = &xproxy.Auth{User: user, Password: pass}
	}
	return nil
}

// Addr returns the resolved proxy address, empty for direct connections.
func (c *Config) Addr() string { return c.addr }

func (c *Config) isTor() bool {
	return c.Option == settings.ProxyInternalTor || c.Option == settings.ProxyExternalTor
}

// ToDialContext returns a dialer routed through the configured proxy, or nil
// when connections go direct. Tor dialers derive a SOCKS isolation username
// from tag so unrelated traffic uses separate circuits.
func (c *Config) ToDialContext(tag string) (DialContextFn, error) {
	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}
	if c.Option == settings.ProxyNone {
		return nil, nil
	}

	auth := c.auth
	if c.isTor() {
		sum := sha512.Sum512_256([]byte(tag))
		auth = &xproxy.Auth{
			User:     torIsolationPrefix + hex.EncodeToString(sum[:16]),
			Password: string([]byte{0x00}),
		}
	}

	forward := &net.Dialer{Timeout: dialTimeout}
	d, err := xproxy.SOCKS5("tcp", c.addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 dialer: %w", err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy: socks5 dialer does not support contexts")
	}
	return cd.DialContext, nil
}

// Transport returns an HTTP transport that dials through the proxy and uses
// tlsCfg for TLS. Environment proxies are ignored.
func (c *Config) Transport(tlsCfg *tls.Config, tag string) (*http.Transport, error) {
	dial, err := c.ToDialContext(tag)
	if err != nil {
		return nil, err
	}
	t := &http.Transport{
		Proxy:               nil,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: dialTimeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}
	if dial != nil {
		t.DialContext = dial
	} else {
		t.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	}
	return t, nil
}

func init() {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
	binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().Unix()))
	sum := sha512.Sum512_256(buf[:])
	torIsolationPrefix = "nodelink:" + hex.EncodeToString(sum[:8]) + ":"
}
