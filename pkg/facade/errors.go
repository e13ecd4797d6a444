package facade

import (
	"github.com/cxdbhq/cxdb/pkg/cql"
	"github.com/cxdbhq/cxdb/pkg/cxctx"
	"github.com/cxdbhq/cxdb/pkg/registry"
	"github.com/cxdbhq/cxdb/pkg/web"
)

// errorBody is the JSON shape every non-2xx façade response carries.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeErr maps err to an HTTP status code the same way
// pkg/cxserver/dispatch.go's errRespCtx/errRespCQL map it to a wire error
// code: cxctx.Kind drives the store-level mapping, cql.Error drives the
// query-syntax mapping, registry.ErrTypeNotRegistered gets its own 424
// (spec.md §6.3's "or 424 for a type-descriptor miss"), and everything else
// falls back to 500.
func writeErr(ctx *web.FastRequestContext, err error) error {
	if err == nil {
		return nil
	}

	if err == registry.ErrTypeNotRegistered {
		return ctx.JSON(424, errorBody{Error: "type_not_registered", Message: err.Error()})
	}

	if cerr, ok := err.(*cxctx.Error); ok {
		status, code := httpStatusForKind(cerr.Kind)
		return ctx.JSON(status, errorBody{Error: code, Message: cerr.Message})
	}

	if qerr, ok := err.(*cql.Error); ok {
		return ctx.JSON(422, errorBody{Error: "invalid_query", Message: qerr.Error()})
	}

	return ctx.JSON(500, errorBody{Error: "internal_error", Message: err.Error()})
}

func httpStatusForKind(kind cxctx.Kind) (int, string) {
	switch kind {
	case cxctx.KindIo:
		return 500, "io_error"
	case cxctx.KindCorrupt:
		return 500, "corrupt"
	case cxctx.KindNotFound:
		return 404, "not_found"
	case cxctx.KindInvalidInput:
		return 422, "invalid_input"
	default:
		return 500, "internal_error"
	}
}
