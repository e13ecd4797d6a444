// Package facade exposes pkg/store's context/turn store as the read-mostly
// HTTP/JSON API described in SPEC_FULL.md §6.3: a listing/search/browsing
// surface over the same store the binary wire protocol (pkg/cxserver)
// writes through, built on pkg/web's fasthttp server rather than net/http,
// matching the teacher's own HTTP stack.
package facade

import (
	"github.com/cxdbhq/cxdb/pkg/bus"
	"github.com/cxdbhq/cxdb/pkg/core"
	"github.com/cxdbhq/cxdb/pkg/observability/prometheus"
	"github.com/cxdbhq/cxdb/pkg/registry"
	"github.com/cxdbhq/cxdb/pkg/store"
	"github.com/cxdbhq/cxdb/pkg/web"
	"github.com/cxdbhq/cxdb/pkg/web/middleware/auth"
	"github.com/cxdbhq/cxdb/pkg/web/middleware/security"
)

// Config configures the façade's listener and optional auth.
type Config struct {
	Addr string

	// AuthSecret gates every route but /v1/metrics behind a bearer JWT when
	// non-empty (spec.md is silent on façade auth — DESIGN.md records this
	// as an Open Question resolved in favor of an opt-in gate).
	AuthSecret string
}

// Facade wraps a pkg/web.FastHTTPServer dispatching into a pkg/store.Store.
type Facade struct {
	server   *web.FastHTTPServer
	store    *store.Store
	bus      bus.Bus
	registry *registry.Decoder // nil when no schema registry is configured
}

// New builds a Facade bound to cfg.Addr. registry may be nil — /turns then
// returns turns without a decoded payload view instead of resolving them
// against a schema registry.
func New(vertx core.Vertx, s *store.Store, eventBus bus.Bus, reg *registry.Decoder, cfg Config) *Facade {
	serverCfg := web.DefaultFastHTTPServerConfig(cfg.Addr)
	server := web.NewFastHTTPServer(vertx, serverCfg)

	f := &Facade{server: server, store: s, bus: eventBus, registry: reg}

	router := server.FastRouter()
	router.UseFast(prometheus.FastHTTPMetricsMiddleware())
	router.UseFast(security.Headers(security.DefaultHeadersConfig()))
	rateLimitCfg := security.DefaultRateLimitConfig()
	rateLimitCfg.SkipFunc = func(ctx *web.FastRequestContext) bool {
		return string(ctx.RequestCtx.Path()) == "/v1/metrics"
	}
	router.UseFast(security.RateLimit(rateLimitCfg))
	if cfg.AuthSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.AuthSecret)
		jwtCfg.SkipPaths = []string{"/v1/metrics"}
		router.UseFast(auth.JWT(jwtCfg))
	}

	f.registerRoutes(router)
	return f
}

// Start runs the façade's listener. Blocking, like web.FastHTTPServer.Start.
func (f *Facade) Start() error { return f.server.Start() }

// Stop gracefully shuts the façade down.
func (f *Facade) Stop() error { return f.server.Stop() }

// Metrics reports the underlying fasthttp server's request metrics.
func (f *Facade) Metrics() web.ServerMetrics { return f.server.Metrics() }
