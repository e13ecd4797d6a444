package wire

// Error codes carried in a MsgError frame's ErrorResponse.Code. Codes 1-4
// mirror the core error kinds (spec.md §7); codes 16-19 mirror CQL's error
// types (spec.md §4.5), kept in a distinct range so a client can tell a
// storage-layer failure from a malformed query without inspecting Detail.
const (
	ErrCodeIo            uint32 = 1
	ErrCodeCorrupt       uint32 = 2
	ErrCodeNotFound      uint32 = 3
	ErrCodeInvalidInput  uint32 = 4
	ErrCodeSyntaxError   uint32 = 16
	ErrCodeUnknownField  uint32 = 17
	ErrCodeInvalidOp     uint32 = 18
	ErrCodeInvalidValue  uint32 = 19
	ErrCodeInternalError uint32 = 255
)
