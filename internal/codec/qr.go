// Package codec encodes and decodes the compact binary pairing payload the
// node shows as a QR code.
//
// Layout (all integers big-endian):
//
//	version        u8   (QRCodeVersion)
//	pairing code   u32 length + nested pairing-code block (<= MaxPairingCodeBytes)
//	websocket url  u32 length + utf8 (<= MaxWebSocketURLBytes)
//	flags          u8   bit0 = fingerprint present, bit1 = tor secret present
//	[fingerprint]  u32 length + utf8 (<= MaxTLSFingerprintBytes)  if bit0
//	[tor secret]   u32 length + utf8 (<= MaxTorSecretBytes)       if bit1
//
// Optional fields are always read in flag-bit order. Decoding is strict
// (no unknown flag bits, no trailing bytes, no empty optional values) so that
// re-encoding a decoded payload yields the identical bytes.
package codec

import (
	"encoding/base64"
	"strings"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

const (
	// QRCodeVersion is the supported payload version.
	QRCodeVersion byte = 1

	MaxWebSocketURLBytes   = 512
	MaxTLSFingerprintBytes = 128
	MaxTorSecretBytes      = 256

	flagFingerprint byte = 1 << 0
	flagTorSecret   byte = 1 << 1
	knownFlags           = flagFingerprint | flagTorSecret
)

// PairingQRCode is the decoded QR payload.
// Empty TLSFingerprint / TorClientAuthSecret mean "absent".
type PairingQRCode struct {
	Version             byte
	PairingCode         PairingCode
	WebSocketURL        string
	TLSFingerprint      string
	TorClientAuthSecret string
}

// EncodeQR serializes q. It rejects values Decode would reject.
func EncodeQR(q PairingQRCode) ([]byte, error) {
	if q.Version != QRCodeVersion {
		return nil, nodeerr.Formatf("qr: unsupported version %d", q.Version)
	}
	if q.WebSocketURL == "" {
		return nil, nodeerr.Formatf("qr: empty websocket url")
	}
	code, err := EncodePairingCode(q.PairingCode)
	if err != nil {
		return nil, err
	}

	w := &writer{}
	w.uint8(q.Version)
	if err := w.bytes("pairing code", code, MaxPairingCodeBytes); err != nil {
		return nil, err
	}
	if err := w.string("websocket url", q.WebSocketURL, MaxWebSocketURLBytes); err != nil {
		return nil, err
	}

	var flags byte
	if q.TLSFingerprint != "" {
		flags |= flagFingerprint
	}
	if q.TorClientAuthSecret != "" {
		flags |= flagTorSecret
	}
	w.uint8(flags)

	if flags&flagFingerprint != 0 {
		if err := w.string("tls fingerprint", q.TLSFingerprint, MaxTLSFingerprintBytes); err != nil {
			return nil, err
		}
	}
	if flags&flagTorSecret != 0 {
		if err := w.string("tor client auth secret", q.TorClientAuthSecret, MaxTorSecretBytes); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

// DecodeQR parses a binary QR payload. All failures are FormatErrors.
func DecodeQR(b []byte) (PairingQRCode, error) {
	r := newReader(b)

	version, err := r.uint8("qr version")
	if err != nil {
		return PairingQRCode{}, err
	}
	if version != QRCodeVersion {
		return PairingQRCode{}, nodeerr.Formatf("qr: unsupported version %d", version)
	}

	rawCode, err := r.bytes("pairing code", MaxPairingCodeBytes)
	if err != nil {
		return PairingQRCode{}, err
	}
	code, err := DecodePairingCode(rawCode)
	if err != nil {
		return PairingQRCode{}, err
	}

	wsURL, err := r.string("websocket url", MaxWebSocketURLBytes)
	if err != nil {
		return PairingQRCode{}, err
	}
	if wsURL == "" {
		return PairingQRCode{}, nodeerr.Formatf("qr: empty websocket url")
	}

	flags, err := r.uint8("qr flags")
	if err != nil {
		return PairingQRCode{}, err
	}
	if flags&^knownFlags != 0 {
		return PairingQRCode{}, nodeerr.Formatf("qr: unknown flag bits 0x%02x", flags&^knownFlags)
	}

	q := PairingQRCode{
		Version:      version,
		PairingCode:  code,
		WebSocketURL: wsURL,
	}

	// Order matters: bit 0 before bit 1.
	if flags&flagFingerprint != 0 {
		if q.TLSFingerprint, err = r.string("tls fingerprint", MaxTLSFingerprintBytes); err != nil {
			return PairingQRCode{}, err
		}
		if q.TLSFingerprint == "" {
			return PairingQRCode{}, nodeerr.Formatf("qr: fingerprint flagged but empty")
		}
	}
	if flags&flagTorSecret != 0 {
		if q.TorClientAuthSecret, err = r.string("tor client auth secret", MaxTorSecretBytes); err != nil {
			return PairingQRCode{}, err
		}
		if q.TorClientAuthSecret == "" {
			return PairingQRCode{}, nodeerr.Formatf("qr: tor secret flagged but empty")
		}
	}

	if err := r.end("qr"); err != nil {
		return PairingQRCode{}, err
	}
	return q, nil
}

// EncodeQRString returns the base64url (unpadded) text placed in the QR image.
func EncodeQRString(q PairingQRCode) (string, error) {
	b, err := EncodeQR(q)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeQRString decodes scanned QR text.
func DecodeQRString(s string) (PairingQRCode, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return PairingQRCode{}, nodeerr.Wrap(nodeerr.KindFormat, "", "qr: invalid base64url", err)
	}
	return DecodeQR(b)
}
