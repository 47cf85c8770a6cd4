package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

const (
	// PairingCodeVersion is the only nested pairing-code layout understood.
	PairingCodeVersion byte = 1
	// MaxPairingCodeBytes bounds the encoded pairing-code block inside a QR payload.
	MaxPairingCodeBytes = 4096
	// MaxPairingCodeIDBytes bounds the pairing code identifier.
	MaxPairingCodeIDBytes = 128
)

// Permission is a capability the node grants the paired client.
type Permission byte

const (
	PermissionOffers   Permission = 1
	PermissionTrades   Permission = 2
	PermissionChat     Permission = 3
	PermissionSettings Permission = 4
	PermissionExplorer Permission = 5
)

var permissionNames = map[Permission]string{
	PermissionOffers:   "offers",
	PermissionTrades:   "trades",
	PermissionChat:     "chat",
	PermissionSettings: "settings",
	PermissionExplorer: "explorer",
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("permission(%d)", byte(p))
}

// ParsePermission accepts a permission name or its numeric value.
func ParsePermission(s string) (Permission, error) {
	for p, name := range permissionNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, nodeerr.Formatf("unknown permission %q", s)
	}
	return Permission(n), nil
}

// PairingCode is the node-issued one-time code embedded in the QR payload.
// Its ID is what the client presents to /access/pairing.
type PairingCode struct {
	Version     byte
	ID          string
	ExpiresAt   time.Time // millisecond precision on the wire
	Permissions []Permission
}

// Expired reports whether the code is no longer usable at now.
func (p PairingCode) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// EncodePairingCode serializes a pairing code:
// version u8 | id (u32 len + utf8) | expiry i64 unix ms | count u8 | count x u8.
func EncodePairingCode(p PairingCode) ([]byte, error) {
	if p.Version != PairingCodeVersion {
		return nil, nodeerr.Formatf("pairing code: unsupported version %d", p.Version)
	}
	if p.ID == "" {
		return nil, nodeerr.Formatf("pairing code: empty id")
	}
	if len(p.Permissions) > 255 {
		return nil, nodeerr.Formatf("pairing code: %d permissions exceeds 255", len(p.Permissions))
	}

	w := &writer{}
	w.uint8(p.Version)
	if err := w.string("pairing code id", p.ID, MaxPairingCodeIDBytes); err != nil {
		return nil, err
	}
	w.int64(expiryMillis(p.ExpiresAt))
	w.uint8(byte(len(p.Permissions)))
	for _, perm := range p.Permissions {
		w.uint8(byte(perm))
	}
	if len(w.buf) > MaxPairingCodeBytes {
		return nil, nodeerr.Formatf("pairing code: encoded size %d exceeds maximum %d", len(w.buf), MaxPairingCodeBytes)
	}
	return w.buf, nil
}

// DecodePairingCode is the inverse of EncodePairingCode.
func DecodePairingCode(b []byte) (PairingCode, error) {
	if len(b) > MaxPairingCodeBytes {
		return PairingCode{}, nodeerr.Formatf("pairing code: size %d exceeds maximum %d", len(b), MaxPairingCodeBytes)
	}
	r := newReader(b)

	version, err := r.uint8("pairing code version")
	if err != nil {
		return PairingCode{}, err
	}
	if version != PairingCodeVersion {
		return PairingCode{}, nodeerr.Formatf("pairing code: unsupported version %d", version)
	}

	id, err := r.string("pairing code id", MaxPairingCodeIDBytes)
	if err != nil {
		return PairingCode{}, err
	}
	if id == "" {
		return PairingCode{}, nodeerr.Formatf("pairing code: empty id")
	}

	ms, err := r.int64("pairing code expiry")
	if err != nil {
		return PairingCode{}, err
	}

	count, err := r.uint8("permission count")
	if err != nil {
		return PairingCode{}, err
	}
	raw, err := r.take(int(count), "permissions")
	if err != nil {
		return PairingCode{}, err
	}
	var perms []Permission
	if count > 0 {
		perms = make([]Permission, count)
		for i, v := range raw {
			perms[i] = Permission(v)
		}
	}

	if err := r.end("pairing code"); err != nil {
		return PairingCode{}, err
	}

	return PairingCode{
		Version:     version,
		ID:          id,
		ExpiresAt:   millisToTime(ms),
		Permissions: perms,
	}, nil
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
