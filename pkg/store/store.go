// Package store wires pkg/cxctx, pkg/cql/indexes, and pkg/bus into the
// single process-wide store spec.md §5 describes: one coarse mutex
// protecting the head table, log, blob-store index, and secondary indexes
// together, with the event bus publication happening inside the same
// writer critical section the log append does.
package store

import (
	"sync"
	"time"

	"github.com/cxdbhq/cxdb/pkg/blobstore"
	"github.com/cxdbhq/cxdb/pkg/bus"
	"github.com/cxdbhq/cxdb/pkg/cql"
	"github.com/cxdbhq/cxdb/pkg/cql/indexes"
	"github.com/cxdbhq/cxdb/pkg/cxctx"
	"github.com/cxdbhq/cxdb/pkg/observability/prometheus"
	"github.com/cxdbhq/cxdb/pkg/types"
)

// TopicTurnAppended is the event-bus topic published on every Create, Fork,
// and Append — observers (SSE, the schema registry projector) subscribe
// here to stay current with the log.
const TopicTurnAppended = "turn_appended"

// TurnAppendedEvent is the payload of a TopicTurnAppended message.
type TurnAppendedEvent struct {
	ContextID uint64
	Turn      cxctx.Turn
}

// Store is the process-wide façade: every exported method takes the same
// coarse mutex before touching the context store or its indexes, so a
// reader never observes an index that disagrees with the head/log state
// that produced it.
type Store struct {
	mu sync.Mutex

	ctx *cxctx.Store
	idx *indexes.SecondaryIndexes
	bus bus.Bus
}

// Open opens the context store rooted at dir and rebuilds its secondary
// indexes from every context currently on disk.
func Open(dir string, eventBus bus.Bus) (*Store, error) {
	ctxStore, err := cxctx.Open(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		ctx: ctxStore,
		idx: indexes.New(),
		bus: eventBus,
	}
	s.rebuildIndexes()
	return s, nil
}

// rebuildIndexes re-derives the in-memory secondary indexes from every
// context's current head, the same "rebuild from durable state" shape
// pkg/cxctx.Store.rebuildMetadataCache uses for its own cache (spec.md
// §4.4: "built from context metadata and head records").
func (s *Store) rebuildIndexes() {
	for _, head := range s.ctx.AllHeads() {
		s.idx.AddContext(toContextMetadata(head))
	}
}

func toContextMetadata(head cxctx.Head) indexes.ContextMetadata {
	md := indexes.ContextMetadata{
		ContextID:       head.ContextID,
		CreatedAtUnixMs: head.CreatedAtUnixMs,
		Depth:           head.HeadDepth,
	}
	if head.Metadata == nil {
		return md
	}
	m := head.Metadata
	md.Tag = m.ClientTag
	md.Title = m.Title
	md.Labels = m.Labels
	md.User = m.Provenance.OnBehalfOfUser
	md.Service = m.Provenance.ServiceName
	md.Host = m.Provenance.HostName
	md.TraceID = m.Provenance.TraceID
	md.ParentContextID = m.Provenance.ParentContextID
	md.RootContextID = m.Provenance.RootContextID
	return md
}

func (s *Store) publish(contextID uint64, turn cxctx.Turn) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(TopicTurnAppended, types.Message{
		Topic:   TopicTurnAppended,
		Payload: TurnAppendedEvent{ContextID: contextID, Turn: turn},
	})
}

// Create creates a new context and indexes its root turn.
func (s *Store) Create(input cxctx.RootInput) (cxctx.Head, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.ctx.Create(input)
	prometheus.GetCxdbMetrics().RecordAppend(err == nil, time.Since(start))
	if err != nil {
		return cxctx.Head{}, err
	}
	s.idx.AddContext(toContextMetadata(head))
	s.publish(head.ContextID, cxctx.Turn{
		TurnID: head.HeadTurnID, ContextID: head.ContextID, Depth: head.HeadDepth,
		CreatedAtUnixMs: head.CreatedAtUnixMs,
	})
	return head, nil
}

// Fork creates a new context forked from srcContextID and indexes its
// fork-root turn.
func (s *Store) Fork(srcContextID uint64, input cxctx.RootInput) (cxctx.Head, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.ctx.Fork(srcContextID, input)
	prometheus.GetCxdbMetrics().RecordAppend(err == nil, time.Since(start))
	if err != nil {
		return cxctx.Head{}, err
	}
	s.idx.AddContext(toContextMetadata(head))
	s.publish(head.ContextID, cxctx.Turn{
		TurnID: head.HeadTurnID, ContextID: head.ContextID, ParentTurnID: head.HeadTurnID,
		Depth: head.HeadDepth, CreatedAtUnixMs: head.CreatedAtUnixMs,
	})
	return head, nil
}

// Append appends a turn to contextID. Appends never change a context's
// indexed metadata (only its root/fork-root turn can), so no index update
// is needed beyond the event publication.
func (s *Store) Append(contextID uint64, input cxctx.AppendInput) (cxctx.Turn, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	turn, err := s.ctx.Append(contextID, input)
	metrics := prometheus.GetCxdbMetrics()
	metrics.RecordAppend(err == nil, time.Since(start))
	if err != nil {
		if cerr, ok := err.(*cxctx.Error); ok && cerr.Kind == cxctx.KindInvalidInput {
			metrics.RecordRejection("invalid_input")
		}
		return cxctx.Turn{}, err
	}
	s.publish(contextID, turn)
	return turn, nil
}

// GetHead returns contextID's current head.
func (s *Store) GetHead(contextID uint64) (cxctx.Head, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	head, err := s.ctx.GetHead(contextID)
	prometheus.GetCxdbMetrics().RecordRead("get_head", err == nil, time.Since(start))
	return head, err
}

// GetLast returns the limit most recent turns of contextID.
func (s *Store) GetLast(contextID uint64, limit int, includePayload bool) ([]cxctx.Turn, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.ctx.GetLast(contextID, limit, includePayload)
	prometheus.GetCxdbMetrics().RecordRead("get_last", err == nil, time.Since(start))
	return turns, err
}

// GetBefore returns up to limit turns preceding turnID.
func (s *Store) GetBefore(contextID, turnID uint64, limit int, includePayload bool) ([]cxctx.Turn, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.ctx.GetBefore(contextID, turnID, limit, includePayload)
	prometheus.GetCxdbMetrics().RecordRead("get_before", err == nil, time.Since(start))
	return turns, err
}

// GetRangeByDepth returns every turn of contextID with lo <= depth <= hi.
func (s *Store) GetRangeByDepth(contextID uint64, lo, hi uint32, includePayload bool) ([]cxctx.Turn, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, err := s.ctx.GetRangeByDepth(contextID, lo, hi, includePayload)
	prometheus.GetCxdbMetrics().RecordRead("get_range_by_depth", err == nil, time.Since(start))
	return turns, err
}

// GetTurn returns a single turn by id.
func (s *Store) GetTurn(turnID uint64, includePayload bool) (cxctx.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.GetTurn(turnID, includePayload)
}

// Query runs a parsed CQL query against the current secondary indexes.
func (s *Store) Query(q *cql.Query) (indexes.ContextSet, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := cql.Execute(q, s.idx)
	prometheus.GetCxdbMetrics().RecordRead("query", err == nil, time.Since(start))
	return set, err
}

// QueryWithLiveSet is Query's is_live-aware counterpart for callers that
// have a session tracker (spec.md §4.4).
func (s *Store) QueryWithLiveSet(q *cql.Query, live cql.IsLiveSet) (indexes.ContextSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cql.EvaluateWithLiveSet(q, s.idx, live)
}

// PutBlob stores payload content-addressed.
func (s *Store) PutBlob(payload []byte) (blobstore.Digest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.PutBlob(payload)
}

// GetBlob resolves digest back to its content.
func (s *Store) GetBlob(digest blobstore.Digest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.GetBlob(digest)
}

// AttachFs validates that turnID exists and reports the snapshot-root hash
// as accepted. The turn log is append-only (I7): an already-written turn's
// on-disk record cannot be mutated to carry a late-bound fs_root_hash, so
// this does not persist the association — it is a named, out-of-core
// contract (SPEC_FULL.md §6.5), the filesystem-snapshot content store
// itself is never built. Callers that need fs_root_hash recorded durably
// must set it on AppendInput at append time instead.
func (s *Store) AttachFs(turnID uint64) (cxctx.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.GetTurn(turnID, false)
}

// IndexStats reports current secondary-index population. The façade's
// /v1/metrics endpoint does not include it.
func (s *Store) IndexStats() indexes.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Stats()
}

// AllContexts returns every context's current head, for the HTTP façade's
// GET /v1/contexts listing and for resolving a CQL search's matched
// context ids back into head tuples.
func (s *Store) AllContexts() []cxctx.Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.AllHeads()
}

// ReportStorageMetrics publishes the blob pack size and turn count gauges.
// Callers (cmd/cxdbd) run this on a timer rather than on every write, since
// these are cheap-but-not-free point-in-time reads of the blob/turn log.
func (s *Store) ReportStorageMetrics() {
	s.mu.Lock()
	packBytes, turnCount := s.ctx.StorageStats()
	s.mu.Unlock()

	metrics := prometheus.GetCxdbMetrics()
	metrics.UpdateBlobPackBytes(packBytes)
	metrics.UpdateTurnCount(int64(turnCount))
}

// Close closes the underlying context store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Close()
}
