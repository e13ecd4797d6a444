package cxserver

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/cxdbhq/cxdb/pkg/blobstore"
	"github.com/cxdbhq/cxdb/pkg/cql"
	"github.com/cxdbhq/cxdb/pkg/cxctx"
	"github.com/cxdbhq/cxdb/pkg/wire"
)

// dispatch decodes payload per msgType, executes it against s.store, and
// encodes a response. Decode/execute failures are turned into a MsgError
// frame rather than propagated, so one bad request never tears down the
// connection.
func (s *Server) dispatch(msgType wire.MsgType, flags uint16, payload []byte) (wire.MsgType, []byte, uint16) {
	switch msgType {
	case wire.MsgHello:
		return s.handleHello(payload)
	case wire.MsgCtxCreate:
		return s.handleCtxCreate(payload)
	case wire.MsgCtxFork:
		return s.handleCtxFork(payload)
	case wire.MsgGetHead:
		return s.handleGetHead(payload)
	case wire.MsgAppendTurn:
		return s.handleAppendTurn(payload, flags)
	case wire.MsgGetLast:
		return s.handleGetLast(payload)
	case wire.MsgGetBefore:
		return s.handleGetBefore(payload)
	case wire.MsgGetRangeByDepth:
		return s.handleGetRangeByDepth(payload)
	case wire.MsgGetBlob:
		return s.handleGetBlob(payload)
	case wire.MsgAttachFs:
		return s.handleAttachFs(payload)
	case wire.MsgPutBlob:
		return s.handlePutBlob(payload)
	default:
		return wire.MsgError, encodeError(wire.ErrCodeInvalidInput, "unknown message type"), 0
	}
}

func (s *Server) handleHello(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeHelloRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	resp := wire.HelloResponse{SessionID: newSessionID(), ProtocolVersion: req.ProtocolVersion}
	return wire.MsgHello, wire.EncodeHelloResponse(resp), 0
}

func (s *Server) handleCtxCreate(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeCtxCreateRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	head, cerr := s.store.Create(cxctx.RootInput{
		Payload:             req.Payload,
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            req.Encoding,
	})
	if cerr != nil {
		return errRespCtx(cerr)
	}
	resp := wire.CtxCreateResponse{ContextID: head.ContextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.HeadDepth}
	return wire.MsgCtxCreate, wire.EncodeCtxCreateResponse(resp), 0
}

func (s *Server) handleCtxFork(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeCtxForkRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	head, cerr := s.store.Fork(req.SrcContextID, cxctx.RootInput{
		Payload:             req.Payload,
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            req.Encoding,
	})
	if cerr != nil {
		return errRespCtx(cerr)
	}
	resp := wire.CtxCreateResponse{ContextID: head.ContextID, HeadTurnID: head.HeadTurnID, HeadDepth: head.HeadDepth}
	return wire.MsgCtxFork, wire.EncodeCtxCreateResponse(resp), 0
}

func (s *Server) handleGetHead(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeGetHeadRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	head, cerr := s.store.GetHead(req.ContextID)
	if cerr != nil {
		return errRespCtx(cerr)
	}
	resp := wire.GetHeadResponse{
		ContextID: head.ContextID, HeadTurnID: head.HeadTurnID,
		HeadDepth: head.HeadDepth, CreatedAtUnixMs: head.CreatedAtUnixMs,
	}
	return wire.MsgGetHead, wire.EncodeGetHeadResponse(resp), 0
}

func (s *Server) handleAppendTurn(payload []byte, flags uint16) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeAppendTurnRequest(payload, flags)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	// The wire format always carries content_hash (spec.md §4.6): the client
	// always states its expected digest, never leaves verification optional.
	expectedHash := req.ContentHash
	turn, cerr := s.store.Append(req.ContextID, cxctx.AppendInput{
		ParentTurnID:        req.ParentTurnID,
		Payload:             req.PayloadBytes,
		ExpectedPayloadHash: &expectedHash,
		DeclaredTypeID:      req.DeclaredTypeID,
		DeclaredTypeVersion: req.DeclaredTypeVersion,
		Encoding:            req.Encoding,
		FSRootHash:          req.FSRootHash,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if cerr != nil {
		return errRespCtx(cerr)
	}
	ack := wire.AppendAck{
		ContextID: req.ContextID, NewTurnID: turn.TurnID,
		NewDepth: turn.Depth, Hash: turn.PayloadHash,
	}
	return wire.MsgAppendTurn, wire.EncodeAppendAck(ack), 0
}

func (s *Server) handleGetLast(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeGetLastRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	turns, cerr := s.store.GetLast(req.ContextID, int(req.Limit), req.IncludePayload)
	if cerr != nil {
		return errRespCtx(cerr)
	}
	return wire.MsgGetLast, wire.EncodeTurnListResponse(wire.TurnListResponse{Turns: toTurnRecords(turns)}), 0
}

func (s *Server) handleGetBefore(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeGetBeforeRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	turns, cerr := s.store.GetBefore(req.ContextID, req.BeforeTurnID, int(req.Limit), req.IncludePayload)
	if cerr != nil {
		return errRespCtx(cerr)
	}
	return wire.MsgGetBefore, wire.EncodeTurnListResponse(wire.TurnListResponse{Turns: toTurnRecords(turns)}), 0
}

func (s *Server) handleGetRangeByDepth(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeGetRangeByDepthRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	turns, cerr := s.store.GetRangeByDepth(req.ContextID, req.DepthLo, req.DepthHi, req.IncludePayload)
	if cerr != nil {
		return errRespCtx(cerr)
	}
	return wire.MsgGetRangeByDepth, wire.EncodeTurnListResponse(wire.TurnListResponse{Turns: toTurnRecords(turns)}), 0
}

func (s *Server) handleGetBlob(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeGetBlobRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	data, cerr := s.store.GetBlob(blobstore.Digest(req.Hash))
	if cerr != nil {
		return errRespCtx(cerr)
	}
	return wire.MsgGetBlob, wire.EncodeGetBlobResponse(wire.GetBlobResponse{Hash: req.Hash, Data: data}), 0
}

func (s *Server) handleAttachFs(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodeAttachFsRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	if _, cerr := s.store.AttachFs(req.TurnID); cerr != nil {
		return errRespCtx(cerr)
	}
	resp := wire.AttachFsResponse{TurnID: req.TurnID, FSRootHash: req.FSRootHash}
	return wire.MsgAttachFs, wire.EncodeAttachFsResponse(resp), 0
}

func (s *Server) handlePutBlob(payload []byte) (wire.MsgType, []byte, uint16) {
	req, err := wire.DecodePutBlobRequest(payload)
	if err != nil {
		return errResp(wire.ErrCodeInvalidInput, err)
	}
	digest, wasNew, cerr := s.store.PutBlob(req.Data)
	if cerr != nil {
		return errRespCtx(cerr)
	}
	resp := wire.PutBlobResponse{Hash: [32]byte(digest), WasNew: wasNew}
	return wire.MsgPutBlob, wire.EncodePutBlobResponse(resp), 0
}

// newSessionID derives a session id from a fresh random UUID's first 8
// bytes — the wire protocol's Hello response carries a u64, not a UUID.
func newSessionID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

func toTurnRecords(turns []cxctx.Turn) []wire.TurnRecord {
	out := make([]wire.TurnRecord, len(turns))
	for i, t := range turns {
		out[i] = wire.TurnRecord{
			TurnID:              t.TurnID,
			ContextID:           t.ContextID,
			ParentTurnID:        t.ParentTurnID,
			Depth:               t.Depth,
			CreatedAtUnixMs:     t.CreatedAtUnixMs,
			PayloadHash:         t.PayloadHash,
			DeclaredTypeID:      t.DeclaredTypeID,
			DeclaredTypeVersion: t.DeclaredTypeVersion,
			Encoding:            t.Encoding,
			PayloadLen:          t.PayloadLen,
			FSRootHash:          t.FSRootHash,
			IdempotencyKey:      t.IdempotencyKey,
			Payload:             t.Payload,
		}
	}
	return out
}

func errResp(code uint32, err error) (wire.MsgType, []byte, uint16) {
	return wire.MsgError, encodeError(code, err.Error()), 0
}

func encodeError(code uint32, detail string) []byte {
	return wire.EncodeErrorResponse(wire.ErrorResponse{Code: code, Detail: detail})
}

// errRespCtx maps a cxctx.*Error's Kind onto a wire error code; a
// non-*cxctx.Error (shouldn't happen, since every cxctx operation returns
// one on failure) falls back to InternalError.
func errRespCtx(err error) (wire.MsgType, []byte, uint16) {
	cerr, ok := err.(*cxctx.Error)
	if !ok {
		return errResp(wire.ErrCodeInternalError, err)
	}
	var code uint32
	switch cerr.Kind {
	case cxctx.KindIo:
		code = wire.ErrCodeIo
	case cxctx.KindCorrupt:
		code = wire.ErrCodeCorrupt
	case cxctx.KindNotFound:
		code = wire.ErrCodeNotFound
	case cxctx.KindInvalidInput:
		code = wire.ErrCodeInvalidInput
	default:
		code = wire.ErrCodeInternalError
	}
	return errResp(code, cerr)
}

// errRespCQL maps a *cql.Error's Type onto a wire error code, for the
// query-execution entry point once it is wired into the wire protocol's
// query message (pkg/facade currently owns the only CQL-over-the-wire
// surface; kept here so cxserver can grow one without re-deriving the
// mapping).
func errRespCQL(err error) (wire.MsgType, []byte, uint16) {
	cerr, ok := err.(*cql.Error)
	if !ok {
		return errResp(wire.ErrCodeInternalError, err)
	}
	var code uint32
	switch cerr.Type {
	case cql.SyntaxError:
		code = wire.ErrCodeSyntaxError
	case cql.UnknownField:
		code = wire.ErrCodeUnknownField
	case cql.InvalidOperator:
		code = wire.ErrCodeInvalidOp
	case cql.InvalidValue:
		code = wire.ErrCodeInvalidValue
	default:
		code = wire.ErrCodeInternalError
	}
	return errResp(code, cerr)
}
