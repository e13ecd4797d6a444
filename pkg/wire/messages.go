package wire

// HelloRequest is the handshake message a client sends first. An empty
// payload is legal (implies protocol_version 0, no client tag/metadata).
type HelloRequest struct {
	ProtocolVersion uint16
	ClientTag       string
	ClientMetaJSON  string // empty means "not present"
}

func DecodeHelloRequest(payload []byte) (HelloRequest, error) {
	if len(payload) == 0 {
		return HelloRequest{}, nil
	}
	r := newReader(payload)
	version, err := r.u16()
	if err != nil {
		return HelloRequest{}, err
	}
	tag, err := r.lenPrefixedStringU16()
	if err != nil {
		return HelloRequest{}, err
	}
	meta, err := r.lenPrefixedString()
	if err != nil {
		return HelloRequest{}, err
	}
	return HelloRequest{ProtocolVersion: version, ClientTag: tag, ClientMetaJSON: meta}, nil
}

func EncodeHelloRequest(req HelloRequest) []byte {
	w := newWriter(8 + len(req.ClientTag) + len(req.ClientMetaJSON))
	w.u16(req.ProtocolVersion)
	w.lenPrefixedStringU16(req.ClientTag)
	w.lenPrefixedString(req.ClientMetaJSON)
	return w.bytesOut()
}

// HelloResponse acknowledges a handshake with a session id.
type HelloResponse struct {
	SessionID       uint64
	ProtocolVersion uint16
}

func EncodeHelloResponse(resp HelloResponse) []byte {
	w := newWriter(10)
	w.u64(resp.SessionID)
	w.u16(resp.ProtocolVersion)
	return w.bytesOut()
}

func DecodeHelloResponse(payload []byte) (HelloResponse, error) {
	r := newReader(payload)
	sid, err := r.u64()
	if err != nil {
		return HelloResponse{}, err
	}
	ver, err := r.u16()
	if err != nil {
		return HelloResponse{}, err
	}
	return HelloResponse{SessionID: sid, ProtocolVersion: ver}, nil
}

// CtxCreateRequest carries the root turn's payload for a new context.
type CtxCreateRequest struct {
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Payload             []byte
}

func DecodeCtxCreateRequest(payload []byte) (CtxCreateRequest, error) {
	r := newReader(payload)
	typeID, err := r.lenPrefixedString()
	if err != nil {
		return CtxCreateRequest{}, err
	}
	version, err := r.u32()
	if err != nil {
		return CtxCreateRequest{}, err
	}
	encoding, err := r.u32()
	if err != nil {
		return CtxCreateRequest{}, err
	}
	body, err := r.lenPrefixedBytes()
	if err != nil {
		return CtxCreateRequest{}, err
	}
	return CtxCreateRequest{DeclaredTypeID: typeID, DeclaredTypeVersion: version, Encoding: encoding, Payload: body}, nil
}

func EncodeCtxCreateRequest(req CtxCreateRequest) []byte {
	w := newWriter(12 + len(req.DeclaredTypeID) + len(req.Payload))
	w.lenPrefixedString(req.DeclaredTypeID)
	w.u32(req.DeclaredTypeVersion)
	w.u32(req.Encoding)
	w.lenPrefixedBytes(req.Payload)
	return w.bytesOut()
}

// CtxForkRequest is CtxCreateRequest plus the source context to fork from.
type CtxForkRequest struct {
	SrcContextID uint64
	CtxCreateRequest
}

func DecodeCtxForkRequest(payload []byte) (CtxForkRequest, error) {
	r := newReader(payload)
	srcID, err := r.u64()
	if err != nil {
		return CtxForkRequest{}, err
	}
	inner, err := DecodeCtxCreateRequest(payload[r.pos:])
	if err != nil {
		return CtxForkRequest{}, err
	}
	return CtxForkRequest{SrcContextID: srcID, CtxCreateRequest: inner}, nil
}

func EncodeCtxForkRequest(req CtxForkRequest) []byte {
	w := newWriter(8)
	w.u64(req.SrcContextID)
	w.raw(EncodeCtxCreateRequest(req.CtxCreateRequest))
	return w.bytesOut()
}

// CtxCreateResponse is also CtxFork's response shape: the new context's id
// and its head position right after the root/fork-root turn was written.
type CtxCreateResponse struct {
	ContextID uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

func EncodeCtxCreateResponse(resp CtxCreateResponse) []byte {
	w := newWriter(20)
	w.u64(resp.ContextID)
	w.u64(resp.HeadTurnID)
	w.u32(resp.HeadDepth)
	return w.bytesOut()
}

func DecodeCtxCreateResponse(payload []byte) (CtxCreateResponse, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return CtxCreateResponse{}, err
	}
	turnID, err := r.u64()
	if err != nil {
		return CtxCreateResponse{}, err
	}
	depth, err := r.u32()
	if err != nil {
		return CtxCreateResponse{}, err
	}
	return CtxCreateResponse{ContextID: ctxID, HeadTurnID: turnID, HeadDepth: depth}, nil
}

// GetHeadRequest asks for one context's current head.
type GetHeadRequest struct {
	ContextID uint64
}

func DecodeGetHeadRequest(payload []byte) (GetHeadRequest, error) {
	r := newReader(payload)
	id, err := r.u64()
	if err != nil {
		return GetHeadRequest{}, err
	}
	return GetHeadRequest{ContextID: id}, nil
}

func EncodeGetHeadRequest(req GetHeadRequest) []byte {
	w := newWriter(8)
	w.u64(req.ContextID)
	return w.bytesOut()
}

// GetHeadResponse is a context's head turn and creation time, kept small:
// no context metadata is carried here, that is an HTTP façade concern.
type GetHeadResponse struct {
	ContextID       uint64
	HeadTurnID      uint64
	HeadDepth       uint32
	CreatedAtUnixMs uint64
}

func EncodeGetHeadResponse(resp GetHeadResponse) []byte {
	w := newWriter(28)
	w.u64(resp.ContextID)
	w.u64(resp.HeadTurnID)
	w.u32(resp.HeadDepth)
	w.u64(resp.CreatedAtUnixMs)
	return w.bytesOut()
}

func DecodeGetHeadResponse(payload []byte) (GetHeadResponse, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return GetHeadResponse{}, err
	}
	turnID, err := r.u64()
	if err != nil {
		return GetHeadResponse{}, err
	}
	depth, err := r.u32()
	if err != nil {
		return GetHeadResponse{}, err
	}
	created, err := r.u64()
	if err != nil {
		return GetHeadResponse{}, err
	}
	return GetHeadResponse{ContextID: ctxID, HeadTurnID: turnID, HeadDepth: depth, CreatedAtUnixMs: created}, nil
}

// AppendTurnRequest is the wire shape of one append, byte-for-byte
// compatible with the original protocol's layout (spec.md §4.6): when flags
// has FlagHasFSRootHash set, a trailing 32-byte FSRootHash follows.
type AppendTurnRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	ContentHash         [32]byte
	PayloadBytes        []byte
	IdempotencyKey      []byte
	FSRootHash          *[32]byte // present iff flags & FlagHasFSRootHash
}

func DecodeAppendTurnRequest(payload []byte, flags uint16) (AppendTurnRequest, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	parentTurnID, err := r.u64()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	typeID, err := r.lenPrefixedString()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	typeVersion, err := r.u32()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	encoding, err := r.u32()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	compression, err := r.u32()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	uncompressedLen, err := r.u32()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	contentHash, err := r.hash32()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	payloadBytes, err := r.lenPrefixedBytes()
	if err != nil {
		return AppendTurnRequest{}, err
	}
	idemKey, err := r.lenPrefixedBytes()
	if err != nil {
		return AppendTurnRequest{}, err
	}

	req := AppendTurnRequest{
		ContextID:           ctxID,
		ParentTurnID:        parentTurnID,
		DeclaredTypeID:      typeID,
		DeclaredTypeVersion: typeVersion,
		Encoding:            encoding,
		Compression:         compression,
		UncompressedLen:     uncompressedLen,
		ContentHash:         contentHash,
		PayloadBytes:        payloadBytes,
		IdempotencyKey:      idemKey,
	}

	if flags&FlagHasFSRootHash != 0 {
		h, err := r.hash32()
		if err != nil {
			return AppendTurnRequest{}, err
		}
		req.FSRootHash = &h
	}

	return req, nil
}

func EncodeAppendTurnRequest(req AppendTurnRequest) (payload []byte, flags uint16) {
	w := newWriter(64 + len(req.DeclaredTypeID) + len(req.PayloadBytes) + len(req.IdempotencyKey))
	w.u64(req.ContextID)
	w.u64(req.ParentTurnID)
	w.lenPrefixedString(req.DeclaredTypeID)
	w.u32(req.DeclaredTypeVersion)
	w.u32(req.Encoding)
	w.u32(req.Compression)
	w.u32(req.UncompressedLen)
	w.hash32(req.ContentHash)
	w.lenPrefixedBytes(req.PayloadBytes)
	w.lenPrefixedBytes(req.IdempotencyKey)

	if req.FSRootHash != nil {
		w.hash32(*req.FSRootHash)
		flags = FlagHasFSRootHash
	}
	return w.bytesOut(), flags
}

// AppendAck is AppendTurn's response: the new turn's position and digest.
type AppendAck struct {
	ContextID uint64
	NewTurnID uint64
	NewDepth  uint32
	Hash      [32]byte
}

func EncodeAppendAck(ack AppendAck) []byte {
	w := newWriter(52)
	w.u64(ack.ContextID)
	w.u64(ack.NewTurnID)
	w.u32(ack.NewDepth)
	w.hash32(ack.Hash)
	return w.bytesOut()
}

func DecodeAppendAck(payload []byte) (AppendAck, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return AppendAck{}, err
	}
	turnID, err := r.u64()
	if err != nil {
		return AppendAck{}, err
	}
	depth, err := r.u32()
	if err != nil {
		return AppendAck{}, err
	}
	hash, err := r.hash32()
	if err != nil {
		return AppendAck{}, err
	}
	return AppendAck{ContextID: ctxID, NewTurnID: turnID, NewDepth: depth, Hash: hash}, nil
}

// GetLastRequest asks for the limit most recent turns of a context.
type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload bool
}

func DecodeGetLastRequest(payload []byte) (GetLastRequest, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return GetLastRequest{}, err
	}
	limit, err := r.u32()
	if err != nil {
		return GetLastRequest{}, err
	}
	include, err := r.u32()
	if err != nil {
		return GetLastRequest{}, err
	}
	return GetLastRequest{ContextID: ctxID, Limit: limit, IncludePayload: include != 0}, nil
}

func EncodeGetLastRequest(req GetLastRequest) []byte {
	w := newWriter(16)
	w.u64(req.ContextID)
	w.u32(req.Limit)
	w.u32(boolToU32(req.IncludePayload))
	return w.bytesOut()
}

// GetBeforeRequest asks for up to limit turns preceding beforeTurnID.
type GetBeforeRequest struct {
	ContextID      uint64
	BeforeTurnID   uint64
	Limit          uint32
	IncludePayload bool
}

func DecodeGetBeforeRequest(payload []byte) (GetBeforeRequest, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return GetBeforeRequest{}, err
	}
	beforeID, err := r.u64()
	if err != nil {
		return GetBeforeRequest{}, err
	}
	limit, err := r.u32()
	if err != nil {
		return GetBeforeRequest{}, err
	}
	include, err := r.u32()
	if err != nil {
		return GetBeforeRequest{}, err
	}
	return GetBeforeRequest{ContextID: ctxID, BeforeTurnID: beforeID, Limit: limit, IncludePayload: include != 0}, nil
}

func EncodeGetBeforeRequest(req GetBeforeRequest) []byte {
	w := newWriter(24)
	w.u64(req.ContextID)
	w.u64(req.BeforeTurnID)
	w.u32(req.Limit)
	w.u32(boolToU32(req.IncludePayload))
	return w.bytesOut()
}

// GetRangeByDepthRequest asks for every turn of a context with
// DepthLo <= depth <= DepthHi.
type GetRangeByDepthRequest struct {
	ContextID      uint64
	DepthLo        uint32
	DepthHi        uint32
	IncludePayload bool
}

func DecodeGetRangeByDepthRequest(payload []byte) (GetRangeByDepthRequest, error) {
	r := newReader(payload)
	ctxID, err := r.u64()
	if err != nil {
		return GetRangeByDepthRequest{}, err
	}
	lo, err := r.u32()
	if err != nil {
		return GetRangeByDepthRequest{}, err
	}
	hi, err := r.u32()
	if err != nil {
		return GetRangeByDepthRequest{}, err
	}
	include, err := r.u32()
	if err != nil {
		return GetRangeByDepthRequest{}, err
	}
	return GetRangeByDepthRequest{ContextID: ctxID, DepthLo: lo, DepthHi: hi, IncludePayload: include != 0}, nil
}

func EncodeGetRangeByDepthRequest(req GetRangeByDepthRequest) []byte {
	w := newWriter(20)
	w.u64(req.ContextID)
	w.u32(req.DepthLo)
	w.u32(req.DepthHi)
	w.u32(boolToU32(req.IncludePayload))
	return w.bytesOut()
}

// TurnRecord is the wire encoding of one materialized turn, shared by
// GetLast/GetBefore/GetRangeByDepth responses.
type TurnRecord struct {
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
	Payload             []byte // present iff the request asked for it
}

func encodeTurnRecord(w *writer, t TurnRecord) {
	w.u64(t.TurnID)
	w.u64(t.ContextID)
	w.u64(t.ParentTurnID)
	w.u32(t.Depth)
	w.u64(t.CreatedAtUnixMs)
	w.hash32(t.PayloadHash)
	w.lenPrefixedString(t.DeclaredTypeID)
	w.u32(t.DeclaredTypeVersion)
	w.u32(t.Encoding)
	w.u32(t.PayloadLen)
	if t.FSRootHash != nil {
		w.u8(1)
		w.hash32(*t.FSRootHash)
	} else {
		w.u8(0)
	}
	w.lenPrefixedBytes(t.IdempotencyKey)
	w.lenPrefixedBytes(t.Payload)
}

func decodeTurnRecord(r *reader) (TurnRecord, error) {
	var t TurnRecord
	var err error
	if t.TurnID, err = r.u64(); err != nil {
		return t, err
	}
	if t.ContextID, err = r.u64(); err != nil {
		return t, err
	}
	if t.ParentTurnID, err = r.u64(); err != nil {
		return t, err
	}
	if t.Depth, err = r.u32(); err != nil {
		return t, err
	}
	if t.CreatedAtUnixMs, err = r.u64(); err != nil {
		return t, err
	}
	if t.PayloadHash, err = r.hash32(); err != nil {
		return t, err
	}
	if t.DeclaredTypeID, err = r.lenPrefixedString(); err != nil {
		return t, err
	}
	if t.DeclaredTypeVersion, err = r.u32(); err != nil {
		return t, err
	}
	if t.Encoding, err = r.u32(); err != nil {
		return t, err
	}
	if t.PayloadLen, err = r.u32(); err != nil {
		return t, err
	}
	hasFS, err := r.u8()
	if err != nil {
		return t, err
	}
	if hasFS != 0 {
		h, err := r.hash32()
		if err != nil {
			return t, err
		}
		t.FSRootHash = &h
	}
	if t.IdempotencyKey, err = r.lenPrefixedBytes(); err != nil {
		return t, err
	}
	if t.Payload, err = r.lenPrefixedBytes(); err != nil {
		return t, err
	}
	return t, nil
}

// TurnListResponse is the shared response shape for GetLast/GetBefore/
// GetRangeByDepth: a count-prefixed run of TurnRecords, oldest first.
type TurnListResponse struct {
	Turns []TurnRecord
}

func EncodeTurnListResponse(resp TurnListResponse) []byte {
	w := newWriter(64 * (len(resp.Turns) + 1))
	w.u32(uint32(len(resp.Turns)))
	for _, t := range resp.Turns {
		encodeTurnRecord(w, t)
	}
	return w.bytesOut()
}

func DecodeTurnListResponse(payload []byte) (TurnListResponse, error) {
	r := newReader(payload)
	count, err := r.u32()
	if err != nil {
		return TurnListResponse{}, err
	}
	turns := make([]TurnRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := decodeTurnRecord(r)
		if err != nil {
			return TurnListResponse{}, err
		}
		turns = append(turns, t)
	}
	return TurnListResponse{Turns: turns}, nil
}

// GetBlobRequest asks for one blob by its content digest.
type GetBlobRequest struct {
	Hash [32]byte
}

func DecodeGetBlobRequest(payload []byte) (GetBlobRequest, error) {
	if len(payload) != 32 {
		return GetBlobRequest{}, ErrTruncated
	}
	r := newReader(payload)
	h, err := r.hash32()
	if err != nil {
		return GetBlobRequest{}, err
	}
	return GetBlobRequest{Hash: h}, nil
}

func EncodeGetBlobRequest(req GetBlobRequest) []byte {
	w := newWriter(32)
	w.hash32(req.Hash)
	return w.bytesOut()
}

// GetBlobResponse carries a blob's bytes back to the caller.
type GetBlobResponse struct {
	Hash [32]byte
	Data []byte
}

func EncodeGetBlobResponse(resp GetBlobResponse) []byte {
	w := newWriter(36 + len(resp.Data))
	w.hash32(resp.Hash)
	w.lenPrefixedBytes(resp.Data)
	return w.bytesOut()
}

func DecodeGetBlobResponse(payload []byte) (GetBlobResponse, error) {
	r := newReader(payload)
	h, err := r.hash32()
	if err != nil {
		return GetBlobResponse{}, err
	}
	data, err := r.lenPrefixedBytes()
	if err != nil {
		return GetBlobResponse{}, err
	}
	return GetBlobResponse{Hash: h, Data: data}, nil
}

// AttachFsRequest attaches a filesystem snapshot root hash to an existing
// turn: turn_id(u64) + fs_root_hash(32 bytes).
type AttachFsRequest struct {
	TurnID     uint64
	FSRootHash [32]byte
}

func DecodeAttachFsRequest(payload []byte) (AttachFsRequest, error) {
	if len(payload) < 40 {
		return AttachFsRequest{}, ErrTruncated
	}
	r := newReader(payload)
	turnID, err := r.u64()
	if err != nil {
		return AttachFsRequest{}, err
	}
	hash, err := r.hash32()
	if err != nil {
		return AttachFsRequest{}, err
	}
	return AttachFsRequest{TurnID: turnID, FSRootHash: hash}, nil
}

func EncodeAttachFsRequest(req AttachFsRequest) []byte {
	w := newWriter(40)
	w.u64(req.TurnID)
	w.hash32(req.FSRootHash)
	return w.bytesOut()
}

// AttachFsResponse echoes back what was attached.
type AttachFsResponse struct {
	TurnID     uint64
	FSRootHash [32]byte
}

func EncodeAttachFsResponse(resp AttachFsResponse) []byte {
	w := newWriter(40)
	w.u64(resp.TurnID)
	w.hash32(resp.FSRootHash)
	return w.bytesOut()
}

func DecodeAttachFsResponse(payload []byte) (AttachFsResponse, error) {
	r := newReader(payload)
	turnID, err := r.u64()
	if err != nil {
		return AttachFsResponse{}, err
	}
	hash, err := r.hash32()
	if err != nil {
		return AttachFsResponse{}, err
	}
	return AttachFsResponse{TurnID: turnID, FSRootHash: hash}, nil
}

// PutBlobRequest stores a blob: hash(32) + data_len(u32) + data.
type PutBlobRequest struct {
	Hash [32]byte
	Data []byte
}

func DecodePutBlobRequest(payload []byte) (PutBlobRequest, error) {
	if len(payload) < 36 {
		return PutBlobRequest{}, ErrTruncated
	}
	r := newReader(payload)
	hash, err := r.hash32()
	if err != nil {
		return PutBlobRequest{}, err
	}
	data, err := r.lenPrefixedBytes()
	if err != nil {
		return PutBlobRequest{}, err
	}
	return PutBlobRequest{Hash: hash, Data: data}, nil
}

func EncodePutBlobRequest(req PutBlobRequest) []byte {
	w := newWriter(36 + len(req.Data))
	w.hash32(req.Hash)
	w.lenPrefixedBytes(req.Data)
	return w.bytesOut()
}

// PutBlobResponse reports whether the blob was newly stored or already
// present (content-addressed dedup).
type PutBlobResponse struct {
	Hash   [32]byte
	WasNew bool
}

func EncodePutBlobResponse(resp PutBlobResponse) []byte {
	w := newWriter(33)
	w.hash32(resp.Hash)
	w.u8(boolToU8(resp.WasNew))
	return w.bytesOut()
}

func DecodePutBlobResponse(payload []byte) (PutBlobResponse, error) {
	r := newReader(payload)
	hash, err := r.hash32()
	if err != nil {
		return PutBlobResponse{}, err
	}
	wasNew, err := r.u8()
	if err != nil {
		return PutBlobResponse{}, err
	}
	return PutBlobResponse{Hash: hash, WasNew: wasNew != 0}, nil
}

// ErrorResponse is the payload of a MsgError frame: code(u32) +
// detail_len(u32) + detail(utf-8).
type ErrorResponse struct {
	Code   uint32
	Detail string
}

func EncodeErrorResponse(resp ErrorResponse) []byte {
	w := newWriter(8 + len(resp.Detail))
	w.u32(resp.Code)
	w.lenPrefixedString(resp.Detail)
	return w.bytesOut()
}

func DecodeErrorResponse(payload []byte) (ErrorResponse, error) {
	r := newReader(payload)
	code, err := r.u32()
	if err != nil {
		return ErrorResponse{}, err
	}
	detail, err := r.lenPrefixedString()
	if err != nil {
		return ErrorResponse{}, err
	}
	return ErrorResponse{Code: code, Detail: detail}, nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
