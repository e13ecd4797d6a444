package facade

import (
	"context"
	"sort"
	"strconv"

	"github.com/cxdbhq/cxdb/pkg/cql"
	"github.com/cxdbhq/cxdb/pkg/cxctx"
	"github.com/cxdbhq/cxdb/pkg/registry"
	"github.com/cxdbhq/cxdb/pkg/web"
)

const defaultListLimit = 100

// fastRouter is the subset of *web.fastRouter's exported method set this
// package needs — web's concrete router type is unexported, so route
// registration is expressed against this structural interface instead.
type fastRouter interface {
	GETFast(path string, handler web.FastRequestHandler)
	UseFast(middleware ...web.FastMiddleware)
}

func (f *Facade) registerRoutes(router fastRouter) {
	router.GETFast("/v1/contexts", f.handleListContexts)
	router.GETFast("/v1/contexts/search", f.handleSearchContexts)
	router.GETFast("/v1/contexts/:id/turns", f.handleTurns)
	router.GETFast("/v1/contexts/:id/provenance", f.handleProvenance)
	router.GETFast("/v1/metrics", f.handleMetrics)
	router.GETFast("/v1/events", f.handleEvents)
}

// headView is the JSON projection of a cxctx.Head.
type headView struct {
	ContextID       uint64        `json:"context_id"`
	HeadTurnID      uint64        `json:"head_turn_id"`
	HeadDepth       uint32        `json:"head_depth"`
	CreatedAtUnixMs uint64        `json:"created_at_unix_ms"`
	Metadata        *metadataView `json:"metadata,omitempty"`
}

type metadataView struct {
	ClientTag  string          `json:"client_tag,omitempty"`
	Title      string          `json:"title,omitempty"`
	Labels     []string        `json:"labels,omitempty"`
	Provenance *provenanceView `json:"provenance,omitempty"`
}

type provenanceView struct {
	OnBehalfOfUser  string  `json:"on_behalf_of_user,omitempty"`
	ServiceName     string  `json:"service_name,omitempty"`
	HostName        string  `json:"host_name,omitempty"`
	TraceID         string  `json:"trace_id,omitempty"`
	ParentContextID *uint64 `json:"parent_context_id,omitempty"`
	RootContextID   *uint64 `json:"root_context_id,omitempty"`
}

func toHeadView(h cxctx.Head) headView {
	v := headView{
		ContextID:       h.ContextID,
		HeadTurnID:      h.HeadTurnID,
		HeadDepth:       h.HeadDepth,
		CreatedAtUnixMs: h.CreatedAtUnixMs,
	}
	if h.Metadata != nil {
		v.Metadata = toMetadataView(h.Metadata)
	}
	return v
}

func toMetadataView(m *cxctx.Metadata) *metadataView {
	return &metadataView{
		ClientTag:  m.ClientTag,
		Title:      m.Title,
		Labels:     m.Labels,
		Provenance: toProvenanceView(m.Provenance),
	}
}

func toProvenanceView(p cxctx.Provenance) *provenanceView {
	return &provenanceView{
		OnBehalfOfUser:  p.OnBehalfOfUser,
		ServiceName:     p.ServiceName,
		HostName:        p.HostName,
		TraceID:         p.TraceID,
		ParentContextID: p.ParentContextID,
		RootContextID:   p.RootContextID,
	}
}

// turnView is the JSON projection of a cxctx.Turn.
type turnView struct {
	TurnID              uint64            `json:"turn_id"`
	ContextID           uint64            `json:"context_id"`
	ParentTurnID        uint64            `json:"parent_turn_id"`
	Depth               uint32            `json:"depth"`
	CreatedAtUnixMs     uint64            `json:"created_at_unix_ms"`
	PayloadHash         string            `json:"payload_hash"`
	DeclaredTypeID      string            `json:"declared_type_id"`
	DeclaredTypeVersion uint32            `json:"declared_type_version"`
	Encoding            uint32            `json:"encoding"`
	PayloadLen          uint32            `json:"payload_len"`
	FSRootHash          string            `json:"fs_root_hash,omitempty"`
	Decoded             *registry.Decoded `json:"decoded,omitempty"`
}

func (f *Facade) toTurnView(ctx context.Context, t cxctx.Turn, includePayload bool) turnView {
	v := turnView{
		TurnID:              t.TurnID,
		ContextID:           t.ContextID,
		ParentTurnID:        t.ParentTurnID,
		Depth:               t.Depth,
		CreatedAtUnixMs:     t.CreatedAtUnixMs,
		PayloadHash:         hexDigest(t.PayloadHash[:]),
		DeclaredTypeID:      t.DeclaredTypeID,
		DeclaredTypeVersion: t.DeclaredTypeVersion,
		Encoding:            t.Encoding,
		PayloadLen:          t.PayloadLen,
	}
	if t.FSRootHash != nil {
		v.FSRootHash = hexDigest(t.FSRootHash[:])
	}
	if includePayload && f.registry != nil && len(t.Payload) > 0 {
		decoded, err := f.registry.Decode(ctx, t.DeclaredTypeID, t.DeclaredTypeVersion, t.Encoding, t.Payload)
		if err == nil {
			v.Decoded = &decoded
		}
	}
	return v
}

func hexDigest(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// handleListContexts implements GET /v1/contexts?limit=.
func (f *Facade) handleListContexts(ctx *web.FastRequestContext) error {
	limit := parseLimit(ctx.Query("limit"), defaultListLimit)

	heads := f.store.AllContexts()
	sort.Slice(heads, func(i, j int) bool { return heads[i].ContextID < heads[j].ContextID })
	if limit > 0 && len(heads) > limit {
		heads = heads[:limit]
	}

	views := make([]headView, 0, len(heads))
	for _, h := range heads {
		views = append(views, toHeadView(h))
	}
	return ctx.JSON(200, map[string]interface{}{"contexts": views})
}

// handleSearchContexts implements GET /v1/contexts/search?q=<cql>&limit=.
func (f *Facade) handleSearchContexts(ctx *web.FastRequestContext) error {
	q := ctx.Query("q")
	limit := parseLimit(ctx.Query("limit"), defaultListLimit)

	query, err := cql.Parse(q)
	if err != nil {
		return writeErr(ctx, err)
	}

	set, err := f.store.Query(query)
	if err != nil {
		return writeErr(ctx, err)
	}

	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	views := make([]headView, 0, len(ids))
	for _, id := range ids {
		head, err := f.store.GetHead(id)
		if err != nil {
			continue
		}
		views = append(views, toHeadView(head))
	}
	return ctx.JSON(200, map[string]interface{}{"contexts": views})
}

// handleTurns implements GET /v1/contexts/:id/turns, a thin wrapper over
// get_last/get_before/get_range_by_depth (spec.md §3).
func (f *Facade) handleTurns(ctx *web.FastRequestContext) error {
	contextID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return ctx.JSON(422, errorBody{Error: "invalid_input", Message: "context id must be a u64"})
	}

	includePayload := ctx.Query("include_payload") == "true"
	limit := parseLimit(ctx.Query("limit"), 50)

	var turns []cxctx.Turn
	switch {
	case ctx.Query("depth_lo") != "" || ctx.Query("depth_hi") != "":
		lo := parseUint32(ctx.Query("depth_lo"), 0)
		hi := parseUint32(ctx.Query("depth_hi"), ^uint32(0))
		turns, err = f.store.GetRangeByDepth(contextID, lo, hi, includePayload)
	case ctx.Query("before") != "":
		var before uint64
		before, err = strconv.ParseUint(ctx.Query("before"), 10, 64)
		if err != nil {
			return ctx.JSON(422, errorBody{Error: "invalid_input", Message: "before must be a u64 turn id"})
		}
		turns, err = f.store.GetBefore(contextID, before, limit, includePayload)
	default:
		turns, err = f.store.GetLast(contextID, limit, includePayload)
	}
	if err != nil {
		return writeErr(ctx, err)
	}

	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		views = append(views, f.toTurnView(ctx.Context(), t, includePayload))
	}
	return ctx.JSON(200, map[string]interface{}{"turns": views})
}

// handleProvenance implements GET /v1/contexts/:id/provenance.
func (f *Facade) handleProvenance(ctx *web.FastRequestContext) error {
	contextID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return ctx.JSON(422, errorBody{Error: "invalid_input", Message: "context id must be a u64"})
	}

	head, err := f.store.GetHead(contextID)
	if err != nil {
		return writeErr(ctx, err)
	}
	if head.Metadata == nil {
		return ctx.JSON(200, map[string]interface{}{"provenance": nil})
	}
	return ctx.JSON(200, map[string]interface{}{"provenance": toProvenanceView(head.Metadata.Provenance)})
}

func parseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func parseUint32(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}
