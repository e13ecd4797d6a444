// Package wire implements the framed binary protocol: a length-prefixed
// frame header plus little-endian message codecs for every request/response
// pair the core exposes (spec.md §4.6).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a frame may carry; longer frames are
// rejected outright to bound memory use against a malicious or corrupted
// client.
const MaxFrameSize = 64 << 20 // 64 MiB

// MsgType identifies the kind of message a frame's payload decodes to.
type MsgType uint16

const (
	MsgHello           MsgType = 1
	MsgCtxCreate       MsgType = 2
	MsgCtxFork         MsgType = 3
	MsgGetHead         MsgType = 4
	MsgAppendTurn      MsgType = 5
	MsgGetLast         MsgType = 6
	MsgGetBefore       MsgType = 7
	MsgGetRangeByDepth MsgType = 8
	MsgGetBlob         MsgType = 9
	MsgAttachFs        MsgType = 10
	MsgPutBlob         MsgType = 11
	MsgError           MsgType = 255
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgCtxCreate:
		return "CtxCreate"
	case MsgCtxFork:
		return "CtxFork"
	case MsgGetHead:
		return "GetHead"
	case MsgAppendTurn:
		return "AppendTurn"
	case MsgGetLast:
		return "GetLast"
	case MsgGetBefore:
		return "GetBefore"
	case MsgGetRangeByDepth:
		return "GetRangeByDepth"
	case MsgGetBlob:
		return "GetBlob"
	case MsgAttachFs:
		return "AttachFs"
	case MsgPutBlob:
		return "PutBlob"
	case MsgError:
		return "Error"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// FlagHasFSRootHash is AppendTurn's flags bit 0: when set, the payload
// carries a trailing 32-byte fs_root_hash.
const FlagHasFSRootHash uint16 = 1

// FrameHeader is the 16-byte fixed header preceding every frame's payload.
type FrameHeader struct {
	Len     uint32
	MsgType MsgType
	Flags   uint16
	ReqID   uint64
}

// ReadFrame reads one frame's header and payload from r, rejecting frames
// over MaxFrameSize before allocating a buffer for them.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FrameHeader{}, nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length > MaxFrameSize {
		return FrameHeader{}, nil, fmt.Errorf("wire: frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	h := FrameHeader{
		Len:     length,
		MsgType: MsgType(binary.LittleEndian.Uint16(hdr[4:6])),
		Flags:   binary.LittleEndian.Uint16(hdr[6:8]),
		ReqID:   binary.LittleEndian.Uint64(hdr[8:16]),
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return FrameHeader{}, nil, err
		}
	}
	return h, payload, nil
}

// WriteFrame writes one frame: header followed by payload.
func WriteFrame(w io.Writer, msgType MsgType, flags uint16, reqID uint64, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: payload size %d exceeds maximum %d", len(payload), MaxFrameSize)
	}
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(msgType))
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	binary.LittleEndian.PutUint64(hdr[8:16], reqID)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
