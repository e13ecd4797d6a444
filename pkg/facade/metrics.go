package facade

import (
	"github.com/cxdbhq/cxdb/pkg/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// metricsHandler adapts promhttp's net/http handler onto fasthttp, the same
// way the teacher's own cmd/main.go wires /metrics.
var metricsHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

// handleMetrics implements GET /v1/metrics.
func (f *Facade) handleMetrics(ctx *web.FastRequestContext) error {
	metricsHandler(ctx.RequestCtx)
	return nil
}
