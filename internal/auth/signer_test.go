package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

func TestSign_MatchesManualHMAC(t *testing.T) {
	secret, nonce, ts := "s3cret", "abcd", "1700000000000"
	bodyHash := BodyHash([]byte(`{"amount":1}`))

	got := Sign(secret, nonce, ts, "post", "/v1/order", bodyHash)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce + "\n" + ts + "\n" + "POST" + "\n" + "/v1/order" + "\n" + bodyHash))
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("Sign = %s, want %s", got, want)
	}
	if got != Sign(secret, nonce, ts, "POST", "/v1/order", bodyHash) {
		t.Error("signature should not depend on method case")
	}
}

func TestBodyHash_Empty(t *testing.T) {
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := BodyHash(nil); got != emptySHA256 {
		t.Errorf("BodyHash(nil) = %s", got)
	}
	if got := BodyHash([]byte{}); got != emptySHA256 {
		t.Errorf("BodyHash(empty) = %s", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/v1/orders/":  "/api/v1/orders",
		"/":                "/",
		"/api?x=1&y=2":     "/api?x=1&y=2",
		"/api/?x=1":        "/api?x=1",
		"/a//":             "/a/",
		"":                 "/",
		"/offers?market=/": "/offers?market=/",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateNonce(t *testing.T) {
	n, err := GenerateNonce(nil, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(n) != 32 {
		t.Errorf("nonce length = %d, want 32", len(n))
	}
	if _, err := hex.DecodeString(n); err != nil {
		t.Errorf("nonce is not hex: %v", err)
	}
	m, _ := GenerateNonce(nil, 16)
	if n == m {
		t.Error("two nonces should differ")
	}

	if _, err := GenerateNonce(bytes.NewReader([]byte{1, 2}), 16); err == nil {
		t.Error("short random source should fail")
	}
}

func TestSigner_Headers(t *testing.T) {
	rnd := bytes.NewReader(bytes.Repeat([]byte{0xab}, 64))
	now := func() time.Time { return time.UnixMilli(1700000000123) }
	s := NewSignerWith(rnd, now)

	creds := Credentials{ClientID: "client-1", ClientSecret: "secret", SessionID: "sess-1"}
	body := []byte(`{"x":1}`)
	h, err := s.Headers(creds, "post", "/api/v1/offers/", body)
	if err != nil {
		t.Fatal(err)
	}

	nonce := h[protocol.HeaderNonce]
	if nonce != hex.EncodeToString(bytes.Repeat([]byte{0xab}, DefaultNonceBytes)) {
		t.Errorf("nonce = %s", nonce)
	}
	if h[protocol.HeaderTimestamp] != "1700000000123" {
		t.Errorf("timestamp = %s", h[protocol.HeaderTimestamp])
	}
	want := Sign("secret", nonce, "1700000000123", "POST", "/api/v1/offers", BodyHash(body))
	if h[protocol.HeaderSignature] != want {
		t.Errorf("signature = %s, want %s", h[protocol.HeaderSignature], want)
	}
	if h[protocol.HeaderClientID] != "client-1" || h[protocol.HeaderSessionID] != "sess-1" {
		t.Errorf("identity headers = %v", h)
	}
}

func TestSigner_OmitsEmptySession(t *testing.T) {
	h, err := NewSigner().Headers(Credentials{ClientID: "c", ClientSecret: "s"}, "GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h[protocol.HeaderSessionID]; ok {
		t.Error("session header should be omitted when no session is active")
	}
}
