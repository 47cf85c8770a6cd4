package nodeerr

import (
	"strings"
	"testing"
)

func TestScrub(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		secret string
	}{
		{"key value", "refresh failed: client_secret=abcdef123456", "abcdef123456"},
		{"json", `{"clientId":"cid","clientSecret":"s3cr3t-value"}`, "s3cr3t-value"},
		{"header", "Session-Id: 9f8e7d6c5b4a", "9f8e7d6c5b4a"},
		{"fingerprint", "fingerprint: qL0FcZk1N2xD8r0xQm", "qL0FcZk1N2xD8r0xQm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scrub(tt.in)
			if strings.Contains(got, tt.secret) {
				t.Errorf("Scrub(%q) = %q, secret survived", tt.in, got)
			}
			if !strings.Contains(got, redactedPlaceholder) {
				t.Errorf("Scrub(%q) = %q, no placeholder", tt.in, got)
			}
		})
	}

	plain := "connection refused by 127.0.0.1:8090"
	if Scrub(plain) != plain {
		t.Errorf("Scrub changed text without credentials: %q", Scrub(plain))
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"short":            "****",
		"abcdefghijklmnop": "abcd****mnop",
		"123456789012":     "****",
		"1234567890123":    "1234****0123",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
