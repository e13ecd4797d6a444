// Package turnlog implements the append-only turn log: three parallel files
// (turns.log, turns.idx, heads.tbl) and the write/read protocol linking
// them, per spec.md §4.2.
package turnlog

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

// ErrNotFound is returned when a turn_id or context_id has no record.
var ErrNotFound = errors.New("turnlog: not found")

// ErrCorrupt is returned on a CRC mismatch or short read against turns.log.
var ErrCorrupt = errors.New("turnlog: corrupt log data")

// TurnLog wraps turns.log/turns.idx/heads.tbl behind one API. It does not
// itself serialize writers — pkg/store.Store's coarse mutex does that, per
// spec.md §5.
type TurnLog struct {
	log   *log
	heads *heads

	// nextTurnID is recovered at Open time as (max turn_id seen in the log) + 1,
	// rather than persisted in a separate header: the log itself already
	// carries every turn_id ever allocated, so a header would just be a
	// second copy of the same fact that could itself go stale across a
	// crash. Starts at 1 so 0 is never a valid turn_id (NoParent uses
	// ^uint64(0), leaving 0 free as an "unset" sentinel for callers).
	nextTurnID atomic.Uint64
}

// Open opens (or creates) the three files under dir, performing the
// open-time recovery described in spec.md §4.2: the log is the source of
// truth; the index is rebuilt forward from wherever it left off, and any
// context whose persisted head is stale relative to the log is corrected.
func Open(dir string) (*TurnLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: mkdir %s: %w", dir, err)
	}

	l, err := openLog(dir)
	if err != nil {
		return nil, err
	}
	h, err := openHeads(dir)
	if err != nil {
		l.close()
		return nil, err
	}

	tl := &TurnLog{log: l, heads: h}
	if err := tl.reconcileHeads(); err != nil {
		l.close()
		h.close()
		return nil, err
	}

	var maxSeen uint64
	for turnID := range l.byTurnID {
		if turnID > maxSeen {
			maxSeen = turnID
		}
	}
	tl.nextTurnID.Store(maxSeen + 1)

	return tl, nil
}

// AllocateTurnID reserves and returns the next turn_id. Callers must hold
// the store-wide write lock (pkg/store.Store) when calling this and when
// subsequently appending the record, so allocation and append stay in
// lockstep with no gaps visible to other writers.
func (tl *TurnLog) AllocateTurnID() uint64 {
	return tl.nextTurnID.Add(1) - 1
}

// Count reports the number of turn_ids allocated so far, for metrics
// reporting (SPEC_FULL.md §6.7's turn count gauge).
func (tl *TurnLog) Count() uint64 {
	return tl.nextTurnID.Load() - 1
}

// reconcileHeads rebuilds any context's head entry that is stale relative
// to the log's idx — the recovery branch for a crash between the log/idx
// fsync (step 5) and the head-table fsync (step 6).
func (tl *TurnLog) reconcileHeads() error {
	// Highest turn_id wins: turn ids are allocated monotonically, so the
	// highest id seen for a context is its true head.
	bestTurnID := make(map[uint64]uint64) // context_id -> best turn_id
	for turnID, e := range tl.log.byTurnID {
		if cur, ok := bestTurnID[e.contextID]; !ok || turnID > cur {
			bestTurnID[e.contextID] = turnID
		}
	}

	for contextID, turnID := range bestTurnID {
		rec, err := tl.log.readAt(turnID)
		if err != nil {
			return fmt.Errorf("turnlog: reconcile head for context %d: %w", contextID, err)
		}

		existing, ok := tl.heads.get(contextID)
		if ok && existing.HeadTurnID == turnID {
			continue
		}

		if err := tl.heads.set(Head{
			ContextID:       contextID,
			HeadTurnID:      turnID,
			HeadDepth:       rec.Depth,
			CreatedAtUnixMs: existingCreatedAt(existing, ok, rec),
		}); err != nil {
			return err
		}
	}

	return nil
}

func existingCreatedAt(existing Head, ok bool, rec Record) uint64 {
	if ok {
		return existing.CreatedAtUnixMs
	}
	return rec.CreatedAtUnixMs
}

// GetHead returns the current head tuple for contextID.
func (tl *TurnLog) GetHead(contextID uint64) (Head, error) {
	h, ok := tl.heads.get(contextID)
	if !ok {
		return Head{}, ErrNotFound
	}
	return h, nil
}

// AppendRecord writes rec to the log+idx and advances contextID's head to
// rec.TurnID, in that order (steps 5 then 6 of the write protocol). The
// caller (pkg/cxctx) is responsible for invariant checks before calling
// this and for emitting the "turn_appended" event afterward (step 7).
func (tl *TurnLog) AppendRecord(rec Record, createdAtUnixMs uint64) error {
	if _, err := tl.log.append(rec); err != nil {
		return err
	}
	return tl.heads.set(Head{
		ContextID:       rec.ContextID,
		HeadTurnID:      rec.TurnID,
		HeadDepth:       rec.Depth,
		CreatedAtUnixMs: createdAtUnixMs,
	})
}

// GetTurn returns the decoded record for turnID.
func (tl *TurnLog) GetTurn(turnID uint64) (Record, error) {
	return tl.log.readAt(turnID)
}

// GetLast walks from contextID's head by parent pointers, returning up to
// limit turns oldest-first. include_payload is left to the caller (the
// blob store is a separate component); this returns the turn metadata.
func (tl *TurnLog) GetLast(contextID uint64, limit int) ([]Record, error) {
	head, ok := tl.heads.get(contextID)
	if !ok {
		return nil, ErrNotFound
	}
	return tl.walkBack(head.HeadTurnID, limit)
}

// GetBefore walks from the parent of turnID, returning up to limit turns
// oldest-first.
func (tl *TurnLog) GetBefore(contextID uint64, turnID uint64, limit int) ([]Record, error) {
	rec, err := tl.log.readAt(turnID)
	if err != nil {
		return nil, err
	}
	if rec.ContextID != contextID {
		return nil, ErrNotFound
	}
	if rec.ParentTurnID == NoParent {
		return nil, nil
	}
	return tl.walkBack(rec.ParentTurnID, limit)
}

func (tl *TurnLog) walkBack(fromTurnID uint64, limit int) ([]Record, error) {
	var out []Record
	turnID := fromTurnID
	for {
		if limit >= 0 && len(out) >= limit {
			break
		}
		rec, err := tl.log.readAt(turnID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if rec.ParentTurnID == NoParent {
			break
		}
		turnID = rec.ParentTurnID
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetRangeByDepth returns all turns of contextID with lo <= depth <= hi, by
// walking the full chain from head (there is no secondary depth index
// inside the turn log itself; pkg/cql/indexes covers the context-level
// depth range query).
func (tl *TurnLog) GetRangeByDepth(contextID uint64, lo, hi uint32) ([]Record, error) {
	all, err := tl.GetLast(contextID, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Depth >= lo && rec.Depth <= hi {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AllHeads returns every context's current head, for index rebuild at
// startup.
func (tl *TurnLog) AllHeads() []Head {
	return tl.heads.all()
}

// Close closes the underlying files.
func (tl *TurnLog) Close() error {
	lerr := tl.log.close()
	herr := tl.heads.close()
	if lerr != nil {
		return lerr
	}
	return herr
}
