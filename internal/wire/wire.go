// Package wire implements the pack8/16/32/64 and packstr primitives used to
// frame RPC payloads and persisted state records, per the control daemon's
// wire format: little-endian fixed-width integers and length-prefixed
// strings whose length includes a trailing NUL.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a pack/unpack call runs off the end of buf.
var ErrShortBuffer = errors.New("wire: short buffer")

// NoValU32/U64 are the "no value" sentinels for numeric update fields: the
// maximum value of the field's unsigned width, matching the sentinel-encoded
// "no change" convention used by job/partition update messages.
const (
	NoValU16 = uint16(0xFFFF)
	NoValU32 = uint32(0xFFFFFFFF)
	NoValU64 = uint64(0xFFFFFFFFFFFFFFFF)
)

// Buffer is a growable little-endian pack buffer.
type Buffer struct {
	b []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) PackU8(v uint8)   { w.b = append(w.b, v) }
func (w *Buffer) PackU16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *Buffer) PackU32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *Buffer) PackU64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

// PackStr writes (u32 length, bytes) where length includes a trailing NUL,
// matching the string encoding used on the wire and in state files. A zero
// length with no following bytes represents the "no value" null pointer.
func (w *Buffer) PackStr(s string) {
	if s == "" {
		w.PackU32(0)
		return
	}
	w.PackU32(uint32(len(s)) + 1)
	w.b = append(w.b, s...)
	w.b = append(w.b, 0)
}

// PackBytes appends raw bytes with no length prefix of its own; callers that
// need a self-delimiting blob should prefix it with PackU32(len(b))
// themselves, as the state-file record format does.
func (w *Buffer) PackBytes(b []byte) { w.b = append(w.b, b...) }

// Reader unpacks sequentially from a byte slice produced by Buffer.
type Reader struct {
	b   []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) require(n int) error {
	if len(r.b)-r.off < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) UnpackU8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *Reader) UnpackU16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) UnpackU32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) UnpackU64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) UnpackStr() (string, error) {
	n, err := r.UnpackU32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if err := r.require(int(n)); err != nil {
		return "", err
	}
	s := r.b[r.off : r.off+int(n)-1] // drop trailing NUL
	r.off += int(n)
	return string(s), nil
}

// UnpackBytes reads exactly n raw bytes with no length prefix of its own,
// the counterpart to PackBytes.
func (r *Reader) UnpackBytes(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Remaining reports whether unread bytes remain.
func (r *Reader) Remaining() int { return len(r.b) - r.off }
