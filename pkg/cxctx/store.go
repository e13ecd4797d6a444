// Package cxctx implements the context/turn data model (spec.md §3, §4.3):
// identifiers, the parent-chain invariants, idempotency-key dedup, and the
// Create/Fork/Append lifecycle, built on top of pkg/blobstore and
// pkg/turnlog.
package cxctx

import (
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/cxdbhq/cxdb/pkg/blobstore"
	"github.com/cxdbhq/cxdb/pkg/turnlog"
)

// Store is the single process-wide owner of one cxdb data directory's
// context/turn state. All of its exported methods are safe for concurrent
// use: a single coarse mutex serializes writers, per spec.md §5.
type Store struct {
	mu sync.Mutex

	blobs *blobstore.Store
	log   *turnlog.TurnLog

	nextContextID uint64
	metaByContext map[uint64]*Metadata
	idemByContext map[uint64]*idempotencyRing

	now func() uint64 // overridable for tests
}

// Open opens (or creates) the blob store and turn log rooted at dir, and
// recovers in-memory bookkeeping (next context_id, cached metadata) from
// their on-disk state.
func Open(dir string) (*Store, error) {
	blobs, err := blobstore.Open(dir)
	if err != nil {
		return nil, newError(KindIo, "cxctx: open blob store: "+err.Error())
	}
	tl, err := turnlog.Open(dir)
	if err != nil {
		blobs.Close()
		return nil, newError(KindIo, "cxctx: open turn log: "+err.Error())
	}

	s := &Store{
		blobs:         blobs,
		log:           tl,
		metaByContext: make(map[uint64]*Metadata),
		idemByContext: make(map[uint64]*idempotencyRing),
		now:           nowUnixMs,
	}

	var maxContextID uint64
	var hasAny bool
	for _, head := range tl.AllHeads() {
		hasAny = true
		if head.ContextID > maxContextID {
			maxContextID = head.ContextID
		}
	}
	if hasAny {
		s.nextContextID = maxContextID + 1
	} else {
		s.nextContextID = 1
	}

	if err := s.rebuildMetadataCache(); err != nil {
		blobs.Close()
		tl.Close()
		return nil, err
	}

	return s, nil
}

func nowUnixMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// rebuildMetadataCache re-extracts cached Metadata for every context from
// its root turn's payload, so a restart doesn't lose metadata that was
// never itself persisted separately from the turn it came from.
func (s *Store) rebuildMetadataCache() error {
	for _, head := range s.log.AllHeads() {
		root, err := s.findRoot(head.ContextID)
		if err != nil {
			continue
		}
		if root.DeclaredTypeID != metadataTypeID {
			continue
		}
		payload, err := s.blobs.Get(root.PayloadHash)
		if err != nil {
			continue
		}
		if meta := extractMetadata(root.DeclaredTypeID, payload); meta != nil {
			s.metaByContext[head.ContextID] = meta
		}
	}
	return nil
}

// findRoot walks a context's chain back to its depth-0 turn.
func (s *Store) findRoot(contextID uint64) (turnlog.Record, error) {
	all, err := s.log.GetLast(contextID, -1)
	if err != nil {
		return turnlog.Record{}, err
	}
	if len(all) == 0 {
		return turnlog.Record{}, turnlog.ErrNotFound
	}
	return all[0], nil
}

// Close closes the underlying blob store and turn log.
func (s *Store) Close() error {
	berr := s.blobs.Close()
	lerr := s.log.Close()
	if berr != nil {
		return newError(KindIo, "cxctx: close blob store: "+berr.Error())
	}
	if lerr != nil {
		return newError(KindIo, "cxctx: close turn log: "+lerr.Error())
	}
	return nil
}

// StorageStats reports the blob pack size and allocated turn count, for
// the HTTP façade's /v1/metrics gauges (SPEC_FULL.md §6.7).
func (s *Store) StorageStats() (packBytes int64, turnCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs.PackBytes(), s.log.Count()
}

// PutBlob stores payload content-addressed, returning its digest and
// whether it was newly written (false when an identical blob already
// existed). Exposed for the wire protocol's PUT_BLOB, which lets a client
// upload filesystem-snapshot content independent of any turn append.
func (s *Store) PutBlob(payload []byte) (blobstore.Digest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.blobs.Len()
	digest, err := s.blobs.Put(payload)
	if err != nil {
		return blobstore.Digest{}, false, newError(KindIo, "cxctx: put blob: "+err.Error())
	}
	return digest, s.blobs.Len() > before, nil
}

// GetBlob resolves digest back to its content, for the wire protocol's
// GET_BLOB.
func (s *Store) GetBlob(digest blobstore.Digest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := s.blobs.Get(digest)
	if err != nil {
		return nil, newError(KindNotFound, "cxctx: blob not found: "+err.Error())
	}
	return payload, nil
}

// Create allocates a new context_id and writes its synthetic root turn
// (depth 0, null parent). The root's payload is used to extract Metadata
// when it follows the context-metadata convention (see metadata.go).
func (s *Store) Create(input RootInput) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextID := s.nextContextID
	s.nextContextID++

	rec, err := s.writeTurn(contextID, NoParent, 0, AppendInput{
		ParentTurnID:        NoParent,
		Payload:             input.Payload,
		DeclaredTypeID:      input.DeclaredTypeID,
		DeclaredTypeVersion: input.DeclaredTypeVersion,
		Encoding:            input.Encoding,
	})
	if err != nil {
		return Head{}, err
	}

	meta := extractMetadata(input.DeclaredTypeID, input.Payload)
	if meta != nil {
		s.metaByContext[contextID] = meta
	}

	return s.headOf(contextID, rec, meta), nil
}

// Fork reads srcContextID's current head, allocates a new context_id, and
// writes a fork-root turn whose parent_turn_id is the source context's head
// turn — the one place a turn's parent is permitted to live in a different
// context (spec.md §4.3).
func (s *Store) Fork(srcContextID uint64, input RootInput) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcHead, err := s.log.GetHead(srcContextID)
	if err != nil {
		return Head{}, newError(KindNotFound, "cxctx: fork: source context not found")
	}

	contextID := s.nextContextID
	s.nextContextID++

	rec, err := s.writeTurn(contextID, srcHead.HeadTurnID, srcHead.HeadDepth+1, AppendInput{
		ParentTurnID:        srcHead.HeadTurnID,
		Payload:             input.Payload,
		DeclaredTypeID:      input.DeclaredTypeID,
		DeclaredTypeVersion: input.DeclaredTypeVersion,
		Encoding:            input.Encoding,
	})
	if err != nil {
		return Head{}, err
	}

	meta := extractMetadata(input.DeclaredTypeID, input.Payload)
	if meta != nil {
		s.metaByContext[contextID] = meta
	}

	return s.headOf(contextID, rec, meta), nil
}

// Append extends contextID with a new turn whose parent must be the
// context's current head (I2, I3). Idempotency-key dedup (I6) is checked
// before any state changes.
func (s *Store) Append(contextID uint64, input AppendInput) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.log.GetHead(contextID)
	if err != nil {
		return Turn{}, newError(KindNotFound, "cxctx: append: context not found")
	}

	if len(input.IdempotencyKey) > 0 {
		if ring, ok := s.idemByContext[contextID]; ok {
			if rec, found := ring.lookup(string(input.IdempotencyKey)); found {
				digest, hErr := s.hashAndVerify(input.Payload, input.ExpectedPayloadHash)
				if hErr != nil {
					return Turn{}, hErr
				}
				if digest != rec.payloadHash {
					return Turn{}, newError(KindInvalidInput, "cxctx: idempotency key reused with a different payload")
				}
				existing, err := s.log.GetTurn(rec.turnID)
				if err != nil {
					return Turn{}, newError(KindIo, "cxctx: read idempotent turn: "+err.Error())
				}
				return turnFromRecord(existing), nil
			}
		}
	}

	if input.ParentTurnID != head.HeadTurnID {
		return Turn{}, newError(KindInvalidInput, "cxctx: append: parent_turn_id does not match context head")
	}

	rec, err := s.writeTurn(contextID, input.ParentTurnID, head.HeadDepth+1, input)
	if err != nil {
		return Turn{}, err
	}

	if len(input.IdempotencyKey) > 0 {
		ring, ok := s.idemByContext[contextID]
		if !ok {
			ring = newIdempotencyRing()
			s.idemByContext[contextID] = ring
		}
		ring.record(string(input.IdempotencyKey), rec.TurnID, rec.PayloadHash)
	}

	return turnFromRecord(rec), nil
}

// writeTurn is the shared tail of Create/Fork/Append: hash+dedup the
// payload (I4, I7), allocate a turn_id, append it to the turn log, and
// advance the context's head — steps 3-6 of spec.md §4.2's write protocol.
func (s *Store) writeTurn(contextID, parentTurnID uint64, depth uint32, input AppendInput) (turnlog.Record, error) {
	digest, err := s.hashAndVerify(input.Payload, input.ExpectedPayloadHash)
	if err != nil {
		return turnlog.Record{}, err
	}

	if _, err := s.blobs.Put(input.Payload); err != nil {
		return turnlog.Record{}, newError(KindIo, "cxctx: blob put: "+err.Error())
	}

	turnID := s.log.AllocateTurnID()
	createdAt := s.now()

	rec := turnlog.Record{
		TurnID:              turnID,
		ContextID:           contextID,
		ParentTurnID:        parentTurnID,
		Depth:               depth,
		CreatedAtUnixMs:     createdAt,
		PayloadHash:         [32]byte(digest),
		DeclaredTypeID:      input.DeclaredTypeID,
		DeclaredTypeVersion: input.DeclaredTypeVersion,
		Encoding:            input.Encoding,
		PayloadLen:          uint32(len(input.Payload)),
		FSRootHash:          input.FSRootHash,
		IdempotencyKey:      input.IdempotencyKey,
	}

	if err := s.log.AppendRecord(rec, createdAt); err != nil {
		return turnlog.Record{}, newError(KindIo, "cxctx: append turn: "+err.Error())
	}

	return rec, nil
}

func (s *Store) hashAndVerify(payload []byte, expected *[32]byte) (blobstore.Digest, error) {
	digest := blobstore.Digest(blake3.Sum256(payload))
	if expected != nil && blobstore.Digest(*expected) != digest {
		return blobstore.Digest{}, newError(KindInvalidInput, "cxctx: payload does not match declared digest")
	}
	return digest, nil
}

func (s *Store) headOf(contextID uint64, rec turnlog.Record, meta *Metadata) Head {
	return Head{
		ContextID:       contextID,
		HeadTurnID:      rec.TurnID,
		HeadDepth:       rec.Depth,
		CreatedAtUnixMs: rec.CreatedAtUnixMs,
		Metadata:        meta,
	}
}

// GetHead returns contextID's current head.
func (s *Store) GetHead(contextID uint64) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.log.GetHead(contextID)
	if err != nil {
		return Head{}, newError(KindNotFound, "cxctx: context not found")
	}
	return Head{
		ContextID:       h.ContextID,
		HeadTurnID:      h.HeadTurnID,
		HeadDepth:       h.HeadDepth,
		CreatedAtUnixMs: h.CreatedAtUnixMs,
		Metadata:        s.metaByContext[contextID],
	}, nil
}

// AllHeads returns every context's current head, for callers (pkg/store's
// secondary-index rebuild on startup) that need to enumerate the whole
// store rather than look up one context at a time.
func (s *Store) AllHeads() []Head {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.log.AllHeads()
	heads := make([]Head, 0, len(raw))
	for _, h := range raw {
		heads = append(heads, Head{
			ContextID:       h.ContextID,
			HeadTurnID:      h.HeadTurnID,
			HeadDepth:       h.HeadDepth,
			CreatedAtUnixMs: h.CreatedAtUnixMs,
			Metadata:        s.metaByContext[h.ContextID],
		})
	}
	return heads
}

// GetLast returns the limit most recent turns of contextID, oldest first.
// limit < 0 means unbounded. include_payload resolves the blob bytes for
// each turn; callers that don't need bytes should pass false to avoid the
// extra blob-store reads.
func (s *Store) GetLast(contextID uint64, limit int, includePayload bool) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.log.GetLast(contextID, limit)
	if err != nil {
		return nil, s.wrapReadErr(err)
	}
	return s.materialize(recs, includePayload)
}

// GetBefore returns up to limit turns preceding turnID, oldest first.
func (s *Store) GetBefore(contextID, turnID uint64, limit int, includePayload bool) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.log.GetBefore(contextID, turnID, limit)
	if err != nil {
		return nil, s.wrapReadErr(err)
	}
	return s.materialize(recs, includePayload)
}

// GetRangeByDepth returns every turn of contextID with lo <= depth <= hi.
func (s *Store) GetRangeByDepth(contextID uint64, lo, hi uint32, includePayload bool) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.log.GetRangeByDepth(contextID, lo, hi)
	if err != nil {
		return nil, s.wrapReadErr(err)
	}
	return s.materialize(recs, includePayload)
}

// GetTurn returns a single turn by id.
func (s *Store) GetTurn(turnID uint64, includePayload bool) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.log.GetTurn(turnID)
	if err != nil {
		return Turn{}, s.wrapReadErr(err)
	}
	out, err := s.materialize([]turnlog.Record{rec}, includePayload)
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *Store) materialize(recs []turnlog.Record, includePayload bool) ([]Turn, error) {
	out := make([]Turn, len(recs))
	for i, rec := range recs {
		t := turnFromRecord(rec)
		if includePayload {
			payload, err := s.blobs.Get(rec.PayloadHash)
			if err != nil {
				return nil, newError(KindIo, "cxctx: read payload: "+err.Error())
			}
			t.Payload = payload
		}
		out[i] = t
	}
	return out, nil
}

func (s *Store) wrapReadErr(err error) error {
	switch {
	case errors.Is(err, turnlog.ErrNotFound):
		return newError(KindNotFound, "cxctx: not found")
	case errors.Is(err, turnlog.ErrCorrupt):
		return newError(KindCorrupt, "cxctx: corrupt turn log data")
	default:
		return newError(KindIo, "cxctx: "+err.Error())
	}
}
