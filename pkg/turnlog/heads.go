package turnlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// headSlotSize is the on-disk size of one heads.tbl slot:
// context_id(8) + head_turn_id(8) + head_depth(4) + created_ms(8).
const headSlotSize = 8 + 8 + 4 + 8

// Head is the current head tuple for one context.
type Head struct {
	ContextID       uint64
	HeadTurnID      uint64
	HeadDepth       uint32
	CreatedAtUnixMs uint64
}

// heads owns heads.tbl: a densely-slotted, in-place-rewritten table mapping
// context_id to its current head tuple.
type heads struct {
	path string
	file *os.File

	slotOf map[uint64]int64 // context_id -> slot index
	byCtx  map[uint64]Head
}

func openHeads(dir string) (*heads, error) {
	path := filepath.Join(dir, "heads.tbl")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("turnlog: open heads: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	// A partial trailing slot (crash mid-write) is simply ignored: the slot
	// rewrite for that context will be redone by log-tail recovery.
	slotCount := info.Size() / headSlotSize

	slotOf := make(map[uint64]int64, slotCount)
	byCtx := make(map[uint64]Head, slotCount)

	buf := make([]byte, headSlotSize)
	for i := int64(0); i < slotCount; i++ {
		if _, err := f.ReadAt(buf, i*headSlotSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("turnlog: read heads slot %d: %w", i, err)
		}
		h := Head{
			ContextID:       binary.LittleEndian.Uint64(buf[0:8]),
			HeadTurnID:      binary.LittleEndian.Uint64(buf[8:16]),
			HeadDepth:       binary.LittleEndian.Uint32(buf[16:20]),
			CreatedAtUnixMs: binary.LittleEndian.Uint64(buf[20:28]),
		}
		slotOf[h.ContextID] = i
		byCtx[h.ContextID] = h
	}

	if valid := int64(slotCount) * headSlotSize; info.Size() != valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &heads{path: path, file: f, slotOf: slotOf, byCtx: byCtx}, nil
}

// get returns the current head for contextID, or false if the context has
// no head (not yet created).
func (h *heads) get(contextID uint64) (Head, bool) {
	head, ok := h.byCtx[contextID]
	return head, ok
}

// set writes head in place, allocating a new slot on first write for this
// context, and fsyncs before returning (spec.md §4.2 step 6).
func (h *heads) set(head Head) error {
	slot, ok := h.slotOf[head.ContextID]
	if !ok {
		info, err := h.file.Stat()
		if err != nil {
			return err
		}
		slot = info.Size() / headSlotSize
		h.slotOf[head.ContextID] = slot
	}

	buf := make([]byte, headSlotSize)
	binary.LittleEndian.PutUint64(buf[0:8], head.ContextID)
	binary.LittleEndian.PutUint64(buf[8:16], head.HeadTurnID)
	binary.LittleEndian.PutUint32(buf[16:20], head.HeadDepth)
	binary.LittleEndian.PutUint64(buf[20:28], head.CreatedAtUnixMs)

	if _, err := h.file.WriteAt(buf, slot*headSlotSize); err != nil {
		return fmt.Errorf("turnlog: write heads slot: %w", err)
	}
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("turnlog: fsync heads: %w", err)
	}

	h.byCtx[head.ContextID] = head
	return nil
}

// all returns every context's current head.
func (h *heads) all() []Head {
	out := make([]Head, 0, len(h.byCtx))
	for _, head := range h.byCtx {
		out = append(out, head)
	}
	return out
}

func (h *heads) close() error {
	return h.file.Close()
}
