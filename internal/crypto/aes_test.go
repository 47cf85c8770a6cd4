package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func testKey() []byte { return bytes.Repeat([]byte{7}, 32) }

func TestAESGCM_SealOpen(t *testing.T) {
	a, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := a.Seal([]byte("client-secret"), "clientSecret")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(sealed) || strings.Contains(sealed, "client-secret") {
		t.Fatalf("sealed value leaks plaintext: %s", sealed)
	}
	got, err := a.Open(sealed, "clientSecret")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "client-secret" {
		t.Errorf("Open = %q", got)
	}
}

func TestAESGCM_OpenRejectsTampering(t *testing.T) {
	a, _ := NewAESGCM(testKey())
	sealed, _ := a.Seal([]byte("v"), "sessionId")

	if _, err := a.Open(sealed, "clientId"); err != ErrDecrypt {
		t.Errorf("swapped associated data should fail, got %v", err)
	}
	if _, err := a.Open("plain", "sessionId"); err != ErrDecrypt {
		t.Errorf("plaintext value should fail, got %v", err)
	}
	other, _ := NewAESGCM(bytes.Repeat([]byte{8}, 32))
	if _, err := other.Open(sealed, "sessionId"); err != ErrDecrypt {
		t.Errorf("wrong key should fail, got %v", err)
	}
}

func TestDeriveKey(t *testing.T) {
	if _, err := DeriveKey(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("hex key: %v", err)
	}
	if _, err := DeriveKey(strings.Repeat("k", 32)); err != nil {
		t.Errorf("raw key: %v", err)
	}
	if _, err := DeriveKey("short"); err == nil {
		t.Error("short key should fail")
	}
}

func TestKeyringStore_LoadOrCreate(t *testing.T) {
	keyring.MockInit()
	ks := NewKeyringStore("test")

	first, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := ks.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) || len(first) != 32 {
		t.Error("key should be created once and reloaded")
	}
	if err := ks.Delete(); err != nil {
		t.Fatal(err)
	}
}

func TestKeyringStore_EnvOverride(t *testing.T) {
	t.Setenv(EnvSettingsKey, strings.Repeat("cd", 32))
	key, err := NewKeyringStore("").LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if key[0] != 0xcd {
		t.Errorf("env key not used")
	}
}
