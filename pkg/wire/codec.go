package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a payload ends before a codec finishes
// decoding it.
var ErrTruncated = errors.New("wire: truncated payload")

// reader is a bounds-checked little-endian cursor over a decoded payload.
// Every decode in this package goes through it so a short or corrupt frame
// reports a clean error instead of panicking on an out-of-range slice.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("wire: negative length %d", n)
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) hash32() ([32]byte, error) {
	var out [32]byte
	b, err := r.bytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// lenPrefixedBytes reads a u32 length followed by that many bytes.
func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

// lenPrefixedString reads a u32 length followed by that many UTF-8 bytes.
func (r *reader) lenPrefixedString() (string, error) {
	b, err := r.lenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// lenPrefixedStringU16 reads a u16 length followed by that many UTF-8 bytes.
// Only the Hello handshake's client_tag field uses this narrower prefix;
// every other length-prefixed string on the wire is u32.
func (r *reader) lenPrefixedStringU16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// remaining reports how many bytes of the buffer the cursor has not yet
// consumed.
func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

// writer accumulates an encoded payload.
type writer struct {
	buf []byte
}

func newWriter(sizeHint int) *writer {
	return &writer{buf: make([]byte, 0, sizeHint)}
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) hash32(h [32]byte) {
	w.buf = append(w.buf, h[:]...)
}

func (w *writer) lenPrefixedBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

func (w *writer) lenPrefixedString(s string) {
	w.lenPrefixedBytes([]byte(s))
}

// lenPrefixedStringU16 writes a u16 length followed by s's UTF-8 bytes. See
// reader.lenPrefixedStringU16 for why this narrower width exists.
func (w *writer) lenPrefixedStringU16(s string) {
	b := []byte(s)
	w.u16(uint16(len(b)))
	w.raw(b)
}

func (w *writer) bytesOut() []byte {
	return w.buf
}
