package proxy

import (
	"encoding/base32"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const (
	torAuthPrefix  = "descriptor:x25519:"
	onionV3AddrLen = 56
	x25519KeyLen   = 32
)

var torKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TorClientAuthLine renders the client authorization line a tor daemon reads
// from its ClientOnionAuthDir for the v3 hidden service at host. secret is
// either "descriptor:x25519:<key>" or the bare base32 private key.
func TorClientAuthLine(host, secret string) (string, error) {
	addr, err := onionAddress(host)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(secret)
	if strings.HasPrefix(strings.ToLower(key), torAuthPrefix) {
		key = key[len(torAuthPrefix):]
	}
	key = strings.ToUpper(key)
	raw, err := torKeyEncoding.DecodeString(key)
	if err != nil || len(raw) != x25519KeyLen {
		return "", fmt.Errorf("tor client auth secret is not a base32 x25519 key")
	}
	return addr + ":" + torAuthPrefix + key, nil
}

// WriteTorClientAuth writes the authorization line for host into dir as
// "<address>.auth_private" and returns the file path.
func WriteTorClientAuth(dir, host, secret string) (string, error) {
	line, err := TorClientAuthLine(host, secret)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth dir: %w", err)
	}
	addr, _, _ := strings.Cut(line, ":")
	path := filepath.Join(dir, addr+".auth_private")
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client auth: %w", err)
	}
	return path, nil
}

func onionAddress(host string) (string, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, ok := strings.CutSuffix(host, ".onion")
	if !ok {
		return "", fmt.Errorf("%q is not an onion host", host)
	}
	if i := strings.LastIndexByte(addr, '.'); i >= 0 {
		addr = addr[i+1:]
	}
	if len(addr) != onionV3AddrLen {
		return "", fmt.Errorf("client authorization needs a v3 onion address")
	}
	return addr, nil
}
