package cxctx

import "github.com/cxdbhq/cxdb/pkg/turnlog"

// NoParent mirrors turnlog.NoParent: the sentinel parent_turn_id of a
// context's synthetic root turn.
const NoParent = turnlog.NoParent

// Provenance is the "who/where produced this context" half of context
// metadata (spec.md §3's "context metadata" record).
type Provenance struct {
	OnBehalfOfUser  string
	ServiceName     string
	HostName        string
	TraceID         string
	ParentContextID *uint64
	RootContextID   *uint64
}

// Metadata is a context's optional, extracted-from-the-first-turn
// descriptive record, cached alongside its head.
type Metadata struct {
	ClientTag  string
	Title      string
	Labels     []string
	Provenance Provenance
}

// Head is the public view of a context's current position: its head turn,
// depth, creation time, and any extracted metadata.
type Head struct {
	ContextID       uint64
	HeadTurnID      uint64
	HeadDepth       uint32
	CreatedAtUnixMs uint64
	Metadata        *Metadata // nil when no metadata could be extracted
}

// Turn is the fully materialized view of one turn record returned by read
// operations; Payload is populated only when the caller asked for it.
type Turn struct {
	TurnID              uint64
	ContextID           uint64
	ParentTurnID        uint64
	Depth               uint32
	CreatedAtUnixMs     uint64
	PayloadHash         [32]byte
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	PayloadLen          uint32
	FSRootHash          *[32]byte
	IdempotencyKey      []byte
	Payload             []byte // nil unless requested
}

func turnFromRecord(rec turnlog.Record) Turn {
	return Turn{
		TurnID:              rec.TurnID,
		ContextID:           rec.ContextID,
		ParentTurnID:        rec.ParentTurnID,
		Depth:               rec.Depth,
		CreatedAtUnixMs:     rec.CreatedAtUnixMs,
		PayloadHash:         rec.PayloadHash,
		DeclaredTypeID:      rec.DeclaredTypeID,
		DeclaredTypeVersion: rec.DeclaredTypeVersion,
		Encoding:            rec.Encoding,
		PayloadLen:          rec.PayloadLen,
		FSRootHash:          rec.FSRootHash,
		IdempotencyKey:      rec.IdempotencyKey,
	}
}

// AppendInput carries everything a caller supplies to Append.
type AppendInput struct {
	ParentTurnID uint64
	Payload      []byte
	// ExpectedPayloadHash, when non-nil, is the digest the client claims for
	// Payload; Append recomputes BLAKE3 and fails InvalidInput on mismatch
	// (spec.md §3: "the client supplies an expected digest; the server
	// recomputes and rejects on mismatch").
	ExpectedPayloadHash *[32]byte
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	FSRootHash          *[32]byte
	IdempotencyKey      []byte
}

// RootInput carries the payload for a context's synthetic root turn
// (Create) or fork-root turn (Fork) — both write a depth-advancing or
// depth-0 turn with no required parent-equals-head check of their own.
type RootInput struct {
	Payload             []byte
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
}
