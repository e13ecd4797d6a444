package turnlog

import (
	"encoding/binary"
	"fmt"
)

// NoParent is the sentinel parent_turn_id of a context's synthetic root turn.
const NoParent = ^uint64(0)

// Record is the immutable, decoded form of one turn-log entry (spec.md §3's
// "turn record"). Payload bytes themselves live in the blob store; the log
// only ever carries the digest.
type Record struct {
	TurnID              uint64
	ContextID           uint64
	ParentTurnID        uint64 // NoParent for a context's synthetic root
	Depth               uint32
	CreatedAtUnixMs     uint64
	PayloadHash         [32]byte
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	PayloadLen          uint32
	FSRootHash          *[32]byte // optional, nil when not attached
	IdempotencyKey      []byte    // optional, nil/empty when not supplied
}

// encode serializes r into the variable-length record bytes that get
// length-prefixed and CRC-suffixed by the log writer.
func (r Record) encode() []byte {
	typeIDBytes := []byte(r.DeclaredTypeID)

	size := 8 + 8 + 8 + 4 + 8 + 32 + // fixed preamble through payload_hash
		4 + len(typeIDBytes) + // type id
		4 + 4 + 4 + // version, encoding, payload_len
		1 + // fs_root_hash presence flag
		4 + len(r.IdempotencyKey) // idempotency key
	if r.FSRootHash != nil {
		size += 32
	}

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], r.TurnID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.ContextID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.ParentTurnID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], r.Depth)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.CreatedAtUnixMs)
	off += 8
	copy(buf[off:off+32], r.PayloadHash[:])
	off += 32

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(typeIDBytes)))
	off += 4
	copy(buf[off:off+len(typeIDBytes)], typeIDBytes)
	off += len(typeIDBytes)

	binary.LittleEndian.PutUint32(buf[off:], r.DeclaredTypeVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.Encoding)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.PayloadLen)
	off += 4

	if r.FSRootHash != nil {
		buf[off] = 1
		off++
		copy(buf[off:off+32], r.FSRootHash[:])
		off += 32
	} else {
		buf[off] = 0
		off++
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.IdempotencyKey)))
	off += 4
	copy(buf[off:off+len(r.IdempotencyKey)], r.IdempotencyKey)
	off += len(r.IdempotencyKey)

	return buf
}

// decodeRecord parses the bytes produced by encode.
func decodeRecord(buf []byte) (Record, error) {
	var r Record
	off := 0
	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("turnlog: truncated record at offset %d (need %d, have %d)", off, n, len(buf)-off)
		}
		return nil
	}

	if err := need(8 + 8 + 8 + 4 + 8 + 32); err != nil {
		return r, err
	}
	r.TurnID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.ContextID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.ParentTurnID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.Depth = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.CreatedAtUnixMs = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(r.PayloadHash[:], buf[off:off+32])
	off += 32

	if err := need(4); err != nil {
		return r, err
	}
	typeIDLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if err := need(typeIDLen); err != nil {
		return r, err
	}
	r.DeclaredTypeID = string(buf[off : off+typeIDLen])
	off += typeIDLen

	if err := need(4 + 4 + 4); err != nil {
		return r, err
	}
	r.DeclaredTypeVersion = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.Encoding = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.PayloadLen = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if err := need(1); err != nil {
		return r, err
	}
	hasFs := buf[off]
	off++
	if hasFs != 0 {
		if err := need(32); err != nil {
			return r, err
		}
		var h [32]byte
		copy(h[:], buf[off:off+32])
		r.FSRootHash = &h
		off += 32
	}

	if err := need(4); err != nil {
		return r, err
	}
	keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if err := need(keyLen); err != nil {
		return r, err
	}
	if keyLen > 0 {
		r.IdempotencyKey = append([]byte(nil), buf[off:off+keyLen]...)
	}
	off += keyLen

	return r, nil
}
