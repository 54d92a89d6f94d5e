// Package kernel wires storage, the symbol environment, the lineage engine
// and the sketch protocol into one running provenance service.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/ritzau/provgraph/pkg/config"
	"github.com/ritzau/provgraph/pkg/filter"
	"github.com/ritzau/provgraph/pkg/lineage"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/pubsub"
	"github.com/ritzau/provgraph/pkg/resolver"
	"github.com/ritzau/provgraph/pkg/sketch"
	"github.com/ritzau/provgraph/pkg/storage"
	"github.com/ritzau/provgraph/pkg/symbols"
	"github.com/ritzau/provgraph/pkg/workpool"
)

// Kernel owns every component of a running provgraph instance.
type Kernel struct {
	cfg *config.Config

	backend  storage.Backend
	env      *symbols.Environment
	engine   *lineage.Engine
	sketches *sketch.Manager
	pool     *workpool.Pool
	updater  *sketch.Updater
	resolver *resolver.Resolver
	server   *sketch.Server
	events   pubsub.Publisher

	ingestMu sync.Mutex // single logical writer
	sink     filter.Sink

	closeOnce sync.Once
}

type options struct {
	backend   storage.Backend
	fetcher   sketch.Fetcher
	peer      resolver.Peer
	publisher pubsub.Publisher
}

// Option overrides a component Open would otherwise build from config.
type Option func(*options)

// WithBackend uses b instead of opening storage.backend.
func WithBackend(b storage.Backend) Option { return func(o *options) { o.backend = b } }

// WithFetcher replaces the TCP sketch client.
func WithFetcher(f sketch.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithPeer replaces the HTTP peer used for remote lineage.
func WithPeer(p resolver.Peer) Option { return func(o *options) { o.peer = p } }

// WithPublisher replaces the lifecycle event publisher.
func WithPublisher(p pubsub.Publisher) Option { return func(o *options) { o.publisher = p } }

// Open builds a kernel from cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = storage.Open(ctx, cfg.Storage.Backend, storage.Options{
			Path:   cfg.Storage.Path,
			Base:   cfg.Storage.Base,
			Logger: logging.Logger(),
		})
		if err != nil {
			return nil, err
		}
	}

	k := &Kernel{cfg: cfg, backend: backend, events: o.publisher}
	if k.events == nil {
		k.events = pubsub.NewBroker()
	}

	base := cfg.Storage.Base
	if base == "" {
		base = storage.DefaultBase
	}
	env, err := symbols.Open(ctx, backend, base)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("opening symbol environment: %w", err)
	}
	k.env = env
	k.engine = lineage.New(backend, cfg.Lineage.Limit)

	host := cfg.Sketch.Host
	if host == "" {
		host = localHost()
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = &sketch.Client{Port: cfg.Sketch.Port, Timeout: cfg.Sketch.Timeout}
	}
	k.sketches = sketch.NewManager(host, sketch.Params{
		FalsePositive: cfg.Sketch.FPR,
		ExpectedSize:  cfg.Sketch.Capacity,
	}, fetcher)
	k.sketches.OnRefresh = func(peer string, connections int) {
		k.publish(pubsub.TopicSketch, "merged", pubsub.SketchEvent{Host: peer, Connections: connections})
	}
	if cfg.Sketch.Snapshot != "" {
		if err := k.sketches.Load(cfg.Sketch.Snapshot); err != nil {
			logging.Warn("ignoring unreadable sketch snapshot", "path", cfg.Sketch.Snapshot, "error", err)
		}
	}

	k.pool = workpool.New(workpool.Config{
		Name:        "sketch",
		Workers:     cfg.Sketch.Workers,
		TaskTimeout: cfg.Sketch.TaskTimeout,
		Rate:        cfg.Sketch.Rate,
	})
	k.updater = sketch.NewUpdater(k.sketches, backend, k.engine, k.pool, cfg.Sketch.Depth)

	peer := o.peer
	if peer == nil {
		peer = resolver.NewHTTPPeer(cfg.HTTP.Port, cfg.Lineage.Timeout)
	}
	k.resolver = resolver.New(k.sketches, peer)
	k.server = sketch.NewServer(k.sketches, cfg.Sketch.Timeout)

	sink, err := filter.NewChain(&storeSink{k: k}, cfg.Ingest.Filters)
	if err != nil {
		k.pool.Close(ctx)
		backend.Close()
		return nil, err
	}
	k.sink = sink

	logging.Info("kernel ready",
		"backend", cfg.Storage.Backend,
		"host", host,
		"filters", cfg.Ingest.Filters,
		"symbols", len(env.Bindings()))
	return k, nil
}

// localHost picks the address peers know this host by: the first
// non-loopback IPv4 address, else the hostname, else a random id.
func localHost() string {
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

// Host returns the identity used in sketches.
func (k *Kernel) Host() string { return k.sketches.Host() }

// Events returns the lifecycle event publisher.
func (k *Kernel) Events() pubsub.Publisher { return k.events }

// Environment returns the symbol environment.
func (k *Kernel) Environment() *symbols.Environment { return k.env }

// ServeSketches answers sketch requests on sketch.port until Close.
func (k *Kernel) ServeSketches() error {
	return k.server.ListenAndServe(net.JoinHostPort("", strconv.Itoa(k.cfg.Sketch.Port)))
}

// ServeSketchesOn answers sketch requests on ln until Close.
func (k *Kernel) ServeSketchesOn(ln net.Listener) error { return k.server.Serve(ln) }

// Close stops background work, saves the sketch snapshot and closes
// storage. In-flight sketch updates get until ctx is done.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error
	k.closeOnce.Do(func() {
		if err := k.server.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := k.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing sketch pool: %w", err))
		}
		if k.cfg.Sketch.Snapshot != "" {
			if err := k.sketches.Save(k.cfg.Sketch.Snapshot); err != nil {
				errs = append(errs, err)
			}
		}
		if err := k.events.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := k.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	})
	return errors.Join(errs...)
}

func (k *Kernel) publish(topic, eventType string, data any) {
	if err := k.events.Publish(topic, eventType, data); err != nil {
		logging.Warn("failed to publish event", "topic", topic, "type", eventType, "error", err)
	}
}
