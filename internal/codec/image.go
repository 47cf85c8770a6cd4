package codec

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// WritePNG renders the base64url QR text as a PNG file. Low recovery level
// keeps the module count down for phone cameras.
func WritePNG(text, path string, size int) error {
	if size <= 0 {
		size = 512
	}
	if err := qrcode.WriteFile(text, qrcode.Low, size, path); err != nil {
		return fmt.Errorf("write qr png: %w", err)
	}
	return nil
}

// Terminal renders the QR text as block characters for a terminal.
func Terminal(text string) (string, error) {
	q, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("build qr: %w", err)
	}
	return q.ToSmallString(false), nil
}
