// Package cxserver exposes pkg/store's context/turn store over the binary
// wire protocol (pkg/wire), on top of pkg/tcp's fail-fast, backpressured TCP
// server.
package cxserver

import (
	"errors"
	"io"

	"github.com/cxdbhq/cxdb/pkg/core"
	"github.com/cxdbhq/cxdb/pkg/store"
	"github.com/cxdbhq/cxdb/pkg/tcp"
	"github.com/cxdbhq/cxdb/pkg/wire"
)

// Server wraps a tcp.TCPServer, dispatching each connection's frames into a
// pkg/store.Store.
type Server struct {
	tcp   *tcp.TCPServer
	store *store.Store
}

// Config configures the server's listener.
type Config struct {
	Addr     string
	MaxQueue int
	Workers  int
	MaxConns int
}

// DefaultConfig returns sensible defaults, mirroring
// tcp.DefaultTCPServerConfig's values.
func DefaultConfig(addr string) Config {
	d := tcp.DefaultTCPServerConfig(addr)
	return Config{Addr: d.Addr, MaxQueue: d.MaxQueue, Workers: d.Workers, MaxConns: d.MaxConns}
}

// New builds a Server bound to addr, dispatching into s.
func New(vertx core.Vertx, s *store.Store, cfg Config) *Server {
	tcpCfg := tcp.DefaultTCPServerConfig(cfg.Addr)
	if cfg.MaxQueue > 0 {
		tcpCfg.MaxQueue = cfg.MaxQueue
	}
	if cfg.Workers > 0 {
		tcpCfg.Workers = cfg.Workers
	}
	tcpCfg.MaxConns = cfg.MaxConns

	srv := &Server{
		tcp:   tcp.NewTCPServer(vertx, tcpCfg),
		store: s,
	}
	srv.tcp.SetHandler(srv.handleConn)
	return srv
}

// Start runs the listener's accept loop. Blocking, like tcp.TCPServer.Start.
func (s *Server) Start() error { return s.tcp.Start() }

// Stop gracefully shuts the listener and its workers down.
func (s *Server) Stop() error { return s.tcp.Stop() }

// ListeningAddr returns the actual bound address, useful when Config.Addr
// was ":0".
func (s *Server) ListeningAddr() string { return s.tcp.ListeningAddr() }

// Metrics reports the underlying TCP server's connection metrics.
func (s *Server) Metrics() tcp.ServerMetrics { return s.tcp.Metrics() }

// handleConn implements tcp.ConnectionHandler: it reads frames off the
// connection until the client disconnects, dispatching each to the store
// and writing back a response frame tagged with the same req_id. A
// connection that sends one malformed frame is dropped rather than
// resynchronized — the protocol has no frame-boundary recovery.
func (s *Server) handleConn(cctx *tcp.ConnContext) error {
	conn := cctx.Conn

	for {
		hdr, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		respType, respPayload, respFlags := s.dispatch(hdr.MsgType, hdr.Flags, payload)
		if err := wire.WriteFrame(conn, respType, respFlags, hdr.ReqID, respPayload); err != nil {
			return err
		}
	}
}
