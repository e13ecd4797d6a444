// Command cxdbd is cxdb's process entry point: it opens the context/turn
// store, then serves it over both the binary wire protocol (pkg/cxserver)
// and the HTTP/JSON façade (pkg/facade), wiring in the optional clustered
// event bus, S3 mirror, and schema registry SPEC_FULL.md §6 names, in the
// teacher's own signal-handling/graceful-shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cxdbhq/cxdb/pkg/bus"
	"github.com/cxdbhq/cxdb/pkg/config"
	"github.com/cxdbhq/cxdb/pkg/core"
	"github.com/cxdbhq/cxdb/pkg/cxserver"
	"github.com/cxdbhq/cxdb/pkg/db"
	"github.com/cxdbhq/cxdb/pkg/facade"
	"github.com/cxdbhq/cxdb/pkg/registry"
	"github.com/cxdbhq/cxdb/pkg/s3mirror"
	"github.com/cxdbhq/cxdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, overridden by CXDB_* env vars)")
	flag.Parse()

	cfg, err := config.LoadCxdbConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vertx := core.NewVertx(ctx)
	defer vertx.Close()

	eventBus, closeBus, err := newEventBus(ctx, vertx, cfg)
	if err != nil {
		log.Fatalf("init event bus: %v", err)
	}
	defer closeBus()

	s, err := store.Open(cfg.DataDir, eventBus)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	var reg *registry.Decoder
	if cfg.RegistryDSN != "" {
		pool, err := db.NewPool(db.DefaultPoolConfig(cfg.RegistryDSN, cfg.RegistryDriver))
		if err != nil {
			log.Fatalf("open registry pool: %v", err)
		}
		defer pool.Close()
		reg = registry.NewDecoder(pool)
		log.Printf("schema registry enabled (driver=%s)", cfg.RegistryDriver)
	}

	tcpServer := cxserver.New(vertx, s, cxserver.DefaultConfig(cfg.BindAddr))
	go func() {
		log.Printf("cxserver listening on %s", cfg.BindAddr)
		if err := tcpServer.Start(); err != nil {
			log.Printf("cxserver error: %v", err)
		}
	}()

	httpFacade := facade.New(vertx, s, eventBus, reg, facade.Config{
		Addr:       cfg.HTTPBindAddr,
		AuthSecret: cfg.AuthSecret,
	})
	go func() {
		log.Printf("facade listening on %s", cfg.HTTPBindAddr)
		if err := httpFacade.Start(); err != nil {
			log.Printf("facade error: %v", err)
		}
	}()

	var mirror *s3mirror.Mirror
	if cfg.S3Bucket != "" {
		mirror, err = s3mirror.New(s3mirror.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
			Prefix:          "cxdb",
		}, s, eventBus)
		if err != nil {
			log.Fatalf("init s3 mirror: %v", err)
		}
		log.Printf("s3 mirror enabled (bucket=%s)", cfg.S3Bucket)
	}

	stopMetrics := make(chan struct{})
	go reportStorageMetricsLoop(s, stopMetrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down...")

	close(stopMetrics)
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Printf("s3 mirror shutdown error: %v", err)
		}
	}
	if err := httpFacade.Stop(); err != nil {
		log.Printf("facade shutdown error: %v", err)
	}
	if err := tcpServer.Stop(); err != nil {
		log.Printf("cxserver shutdown error: %v", err)
	}
}

// newEventBus returns the in-process bus, or a NATS-clustered one when
// CXDB_NATS_URL is set (SPEC_FULL.md §6.8), plus a cleanup func.
func newEventBus(ctx context.Context, vertx core.Vertx, cfg config.CxdbConfig) (bus.Bus, func(), error) {
	if cfg.NATSURL == "" {
		return bus.NewBus(), func() {}, nil
	}

	clusterBus, err := bus.NewClusterBus(ctx, vertx, bus.NATSConfig{URL: cfg.NATSURL, Prefix: cfg.NATSPrefix})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("event bus clustered over NATS at %s", cfg.NATSURL)
	return clusterBus, func() {}, nil
}

// reportStorageMetricsLoop periodically refreshes the blob-pack-size and
// turn-count gauges; these are point-in-time reads of the log/blob store,
// cheap but not free, so they run on a timer rather than on every write.
func reportStorageMetricsLoop(s *store.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ReportStorageMetrics()
		case <-stop:
			return
		}
	}
}
