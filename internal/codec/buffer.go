package codec

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
)

// reader is a bounds-checked cursor over a byte slice. Every read either
// succeeds entirely or returns a FormatError; it never reads past the end.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int, field string) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, nodeerr.Formatf("%s: need %d bytes, %d left", field, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint8(field string) (byte, error) {
	b, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) int64(field string) (int64, error) {
	b, err := r.take(8, field)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// bytes reads a u32 big-endian length prefix followed by that many bytes.
// The declared length is checked against max before anything else is read.
func (r *reader) bytes(field string, max int) ([]byte, error) {
	lb, err := r.take(4, field+" length")
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lb)
	if uint64(n) > uint64(max) {
		return nil, nodeerr.Formatf("%s: declared length %d exceeds maximum %d", field, n, max)
	}
	return r.take(int(n), field)
}

func (r *reader) string(field string, max int) (string, error) {
	b, err := r.bytes(field, max)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", nodeerr.Formatf("%s: invalid UTF-8", field)
	}
	return string(b), nil
}

func (r *reader) end(what string) error {
	if r.remaining() != 0 {
		return nodeerr.Formatf("%s: %d trailing bytes", what, r.remaining())
	}
	return nil
}

// writer mirrors reader. Limits are enforced on write too, so anything
// Encode produces is accepted by Decode.
type writer struct {
	buf []byte
}

func (w *writer) uint8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) int64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *writer) bytes(field string, b []byte, max int) error {
	if len(b) > max || len(b) > math.MaxUint32 {
		return nodeerr.Formatf("%s: length %d exceeds maximum %d", field, len(b), max)
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

func (w *writer) string(field, s string, max int) error {
	if !utf8.ValidString(s) {
		return nodeerr.Formatf("%s: invalid UTF-8", field)
	}
	return w.bytes(field, []byte(s), max)
}
