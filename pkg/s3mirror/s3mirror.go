// Package s3mirror best-effort replicates every appended turn to an S3
// (or S3-compatible) bucket, grounded on
// launix-de-memcp/storage/persistence-s3.go's aws-sdk-go-v2 client setup.
// Mirroring never blocks or is awaited by an append (SPEC_FULL.md §6.6):
// the writer's event-bus publication and this package's own bounded,
// drop-oldest queue are the only coupling between the two.
package s3mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cxdbhq/cxdb/pkg/bus"
	"github.com/cxdbhq/cxdb/pkg/observability/prometheus"
	"github.com/cxdbhq/cxdb/pkg/store"
	"github.com/cxdbhq/cxdb/pkg/types"
)

// Config configures the mirror's target bucket and local queueing.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores (MinIO, etc.)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	ForcePathStyle  bool

	// QueueSize bounds the in-memory drop-oldest queue between the bus
	// subscription and the upload worker (spec.md §9's "Event bus
	// back-pressure" rule, applied here since the mirror must never stall
	// a writer).
	QueueSize int

	// ManifestEvery is how many successful uploads elapse between
	// sync_state.json rewrites.
	ManifestEvery int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ManifestEvery <= 0 {
		c.ManifestEvery = 64
	}
	return c
}

// s3Client is the subset of *s3.Client the mirror calls, so tests can stub
// it without a live bucket.
type s3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type mirrorTask struct {
	contextID uint64
	turnID    uint64
}

// Mirror drains turn_appended events and replicates each turn to S3.
type Mirror struct {
	cfg    Config
	store  *store.Store
	bus    bus.Bus
	client s3Client

	mailbox types.Mailbox

	qmu   sync.Mutex
	qcond *sync.Cond
	queue []mirrorTask
	qcap  int

	stateMu    sync.Mutex
	lastTurnID map[uint64]uint64 // context_id -> last mirrored turn_id
	uploads    int

	lastSuccessAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Mirror bound to cfg's bucket and starts its subscription and
// upload worker. Subscribing happens synchronously; uploading happens on a
// background goroutine stopped by Close.
func New(cfg Config, s *store.Store, eventBus bus.Bus) (*Mirror, error) {
	cfg = cfg.withDefaults()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3mirror: bucket is required")
	}

	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return newMirror(cfg, s, eventBus, client)
}

// newMirror wires a Mirror around an already-constructed s3Client, so tests
// can substitute a fake without racing New's goroutines against a
// post-construction field assignment.
func newMirror(cfg Config, s *store.Store, eventBus bus.Bus, client s3Client) (*Mirror, error) {
	m := &Mirror{
		cfg:        cfg,
		store:      s,
		bus:        eventBus,
		client:     client,
		mailbox:    make(types.Mailbox, 64),
		qcap:       cfg.QueueSize,
		lastTurnID: make(map[uint64]uint64),
		stopCh:     make(chan struct{}),
	}
	m.qcond = sync.NewCond(&m.qmu)

	if err := eventBus.Subscribe(store.TopicTurnAppended, "s3mirror", m.mailbox); err != nil {
		return nil, err
	}

	m.wg.Add(2)
	go m.relayLoop()
	go m.uploadLoop()
	return m, nil
}

func newS3Client(cfg Config) (*s3.Client, error) {
	ctx := context.Background()

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3mirror: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = awssdk.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// relayLoop moves events off the bus mailbox and onto the mirror's own
// bounded, drop-oldest queue, decoupling the bus's own (drop-newest)
// backpressure policy from the mirror's.
func (m *Mirror) relayLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.mailbox:
			if !ok {
				return
			}
			event, ok := msg.Payload.(store.TurnAppendedEvent)
			if !ok {
				continue
			}
			m.enqueue(mirrorTask{contextID: event.ContextID, turnID: event.Turn.TurnID})
		}
	}
}

// enqueue pushes t onto the queue, evicting the oldest pending task when
// full (spec.md §9's drop-oldest rule).
func (m *Mirror) enqueue(t mirrorTask) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) >= m.qcap {
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, t)
	m.qcond.Signal()
}

// dequeue blocks until a task is available or the mirror is stopped.
func (m *Mirror) dequeue() (mirrorTask, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for len(m.queue) == 0 {
		select {
		case <-m.stopCh:
			return mirrorTask{}, false
		default:
		}
		m.qcond.Wait()
	}
	t := m.queue[0]
	m.queue = m.queue[1:]
	return t, true
}

func (m *Mirror) uploadLoop() {
	defer m.wg.Done()

	// Wake dequeue() when stopCh closes, since sync.Cond.Wait otherwise
	// only wakes on Signal/Broadcast.
	go func() {
		<-m.stopCh
		m.qmu.Lock()
		m.qcond.Broadcast()
		m.qmu.Unlock()
	}()

	manifestTicker := time.NewTicker(30 * time.Second)
	defer manifestTicker.Stop()

	for {
		task, ok := m.dequeue()
		if !ok {
			return
		}
		m.mirrorOne(task)

		select {
		case <-manifestTicker.C:
			m.writeManifest()
		default:
		}
	}
}

// mirrorRecord is the S3-uploaded JSON projection of one turn.
type mirrorRecord struct {
	ContextID           uint64 `json:"context_id"`
	TurnID              uint64 `json:"turn_id"`
	ParentTurnID        uint64 `json:"parent_turn_id"`
	Depth               uint32 `json:"depth"`
	CreatedAtUnixMs     uint64 `json:"created_at_unix_ms"`
	DeclaredTypeID      string `json:"declared_type_id"`
	DeclaredTypeVersion uint32 `json:"declared_type_version"`
	Encoding            uint32 `json:"encoding"`
	PayloadHash         string `json:"payload_hash"`
	Payload             []byte `json:"payload"`
}

func (m *Mirror) mirrorOne(task mirrorTask) {
	turn, err := m.store.GetTurn(task.turnID, true)
	if err != nil {
		return
	}

	rec := mirrorRecord{
		ContextID:           task.contextID,
		TurnID:              turn.TurnID,
		ParentTurnID:        turn.ParentTurnID,
		Depth:               turn.Depth,
		CreatedAtUnixMs:     turn.CreatedAtUnixMs,
		DeclaredTypeID:      turn.DeclaredTypeID,
		DeclaredTypeVersion: turn.DeclaredTypeVersion,
		Encoding:            turn.Encoding,
		PayloadHash:         fmt.Sprintf("%x", turn.PayloadHash),
		Payload:             turn.Payload,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}

	key := m.key(fmt.Sprintf("%d/%d.json", task.contextID, task.turnID))
	_, err = m.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: awssdk.String(m.cfg.Bucket),
		Key:    awssdk.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return
	}

	m.stateMu.Lock()
	if task.turnID > m.lastTurnID[task.contextID] {
		m.lastTurnID[task.contextID] = task.turnID
	}
	m.uploads++
	m.lastSuccessAt = time.Now()
	due := m.uploads%m.cfg.ManifestEvery == 0
	m.stateMu.Unlock()

	prometheus.GetCxdbMetrics().UpdateS3MirrorLag(0)

	if due {
		m.writeState()
	}
}

func (m *Mirror) key(name string) string {
	if m.cfg.Prefix == "" {
		return name
	}
	return m.cfg.Prefix + "/" + name
}

// writeState uploads sync_state.json: the last mirrored turn_id per context.
func (m *Mirror) writeState() {
	m.stateMu.Lock()
	state := make(map[string]uint64, len(m.lastTurnID))
	for contextID, turnID := range m.lastTurnID {
		state[fmt.Sprintf("%d", contextID)] = turnID
	}
	m.stateMu.Unlock()

	body, err := json.Marshal(state)
	if err != nil {
		return
	}
	_, _ = m.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: awssdk.String(m.cfg.Bucket),
		Key:    awssdk.String(m.key("sync_state.json")),
		Body:   bytes.NewReader(body),
	})
}

// writeManifest rewrites sync_state.json; it runs periodically rather than
// on every upload. No separate sync_manifest.json inventory is uploaded.
func (m *Mirror) writeManifest() {
	m.writeState()
}

// LagSeconds reports how long since the mirror last completed an upload;
// zero if it has never uploaded anything. Nothing in this module calls it:
// the lag gauge is only set, to 0, by mirrorOne after a successful upload.
func (m *Mirror) LagSeconds() float64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.lastSuccessAt.IsZero() {
		return 0
	}
	return time.Since(m.lastSuccessAt).Seconds()
}

// Close stops the relay and upload goroutines and unsubscribes from the bus.
func (m *Mirror) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	return m.bus.Unsubscribe(store.TopicTurnAppended, "s3mirror", m.mailbox)
}
