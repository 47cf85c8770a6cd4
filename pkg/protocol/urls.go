package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// APIBaseURL derives the REST base URL (http(s)://host:port/api/v1) from the
// node's websocket URL.
func APIBaseURL(webSocketURL string) (string, error) {
	u, err := parseNodeURL(webSocketURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = APIBasePath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// WebSocketEndpoint returns the URL to dial, appending PathWebSocket when
// the configured URL has no path.
func WebSocketEndpoint(webSocketURL string) (string, error) {
	u, err := parseNodeURL(webSocketURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = PathWebSocket
	}
	u.Fragment = ""
	return u.String(), nil
}

// HostPort returns the host:port of a node URL, with the scheme's default
// port filled in.
func HostPort(nodeURL string) (string, error) {
	u, err := parseNodeURL(nodeURL)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "wss" || u.Scheme == "https" {
		port = "443"
	}
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + port, nil
}

func parseNodeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid node url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("invalid node url: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid node url: missing host")
	}
	return u, nil
}
