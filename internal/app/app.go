// Package app wires the daemon: sensors and decoy tailers feed the event
// bus, whose subscribers score, enforce and record.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"ghostwall/internal/api"
	"ghostwall/internal/blocklist"
	"ghostwall/internal/config"
	"ghostwall/internal/decoy"
	"ghostwall/internal/detect"
	"ghostwall/internal/event"
	"ghostwall/internal/ledger"
	"ghostwall/internal/policy"
	"ghostwall/internal/publish"
	"ghostwall/internal/queue"
	"ghostwall/internal/recorder"
	"ghostwall/internal/redirector"
	"ghostwall/internal/scoring"
	"ghostwall/internal/security/firewall"
	"ghostwall/internal/sensor"
	"ghostwall/internal/storage"
	s3archive "ghostwall/internal/storage/s3"
	"ghostwall/internal/telemetry"
)

// Bus subscriber names.
const (
	subScoring  = "scoring"
	subPolicy   = "policy"
	subRecorder = "recorder"
)

const (
	retentionInterval = 10 * time.Minute
	drainTimeout      = 10 * time.Second
)

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	bus         *queue.Bus[event.Event]
	store       storage.Store
	recorder    *recorder.Recorder
	scorer      *scoring.Engine
	policy      *policy.Engine
	firewall    firewall.Backend
	blocklist   *blocklist.List
	ledger      *ledger.Ledger
	detectors   *detect.Runner
	sources     []sensor.Source
	tailers     map[string]*decoy.Tailer
	redirectors []*redirector.Server
	dispatcher  *publish.Dispatcher
	retention   *storage.RetentionManager
	api         *api.Server
	registry    *prometheus.Registry

	clickhouse   *storage.ClickHouseClient
	eventWriter  *storage.BatchWriter[event.Event]
	actionWriter *storage.BatchWriter[event.Action]

	// producers feed the bus; consumers drain it.
	producers sync.WaitGroup
	consumers sync.WaitGroup
	stopProd  context.CancelFunc
	stopCons  context.CancelFunc
	serveErr  chan error

	closers []func() error
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      queue.NewBus[event.Event](cfg.Queue.Size),
		tailers:  make(map[string]*decoy.Tailer),
		serveErr: make(chan error, 1),
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if err := a.buildStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.buildPublishers(); err != nil {
		return nil, err
	}

	a.recorder = recorder.New(a.store, a.recorderOptions(), logger.With("component", "recorder"))

	if err := a.buildLedger(ctx); err != nil {
		return nil, err
	}
	if err := a.buildEnforcement(ctx); err != nil {
		return nil, err
	}
	if err := a.buildInputs(); err != nil {
		return nil, err
	}

	a.registry = telemetry.NewRegistry(telemetry.NewCollector(a.Snapshot))
	if cfg.Server.Enabled {
		a.api = api.New(cfg.Server, cfg.RateLimit, api.Deps{
			Snapshot:  a.Snapshot,
			Actions:   a.ledger,
			Store:     a.store,
			BlockList: a.blocklist,
			Scorer:    a.scorer,
			Timeline:  a.scorer,
			Policy:    a.policy,
			Metrics:   telemetry.Handler(a.registry),
		}, logger)
	}
	return a, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Driver {
	case "sqlite":
		st, err := storage.OpenSQLite(ctx, cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		a.store = st
	default:
		a.store = storage.NewMemoryStore(cfg.MemoryCapacity)
	}
	a.closers = append(a.closers, a.store.Close)

	if cfg.ClickHouse.Enabled {
		client, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse, a.logger)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		a.clickhouse = client

		bw := storage.BatchConfigFrom(cfg.ClickHouse)
		a.eventWriter = storage.NewEventWriter(client, bw, a.logger)
		a.actionWriter = storage.NewActionWriter(client, bw, a.logger)
		a.addArchiveClosers(client, a.eventWriter, a.actionWriter)
	}

	a.retention = storage.NewRetentionManager(a.store, a.clickhouse, cfg.Retention, a.logger)
	a.retention.ApplyTTLs(ctx)
	return nil
}

func (a *App) buildPublishers() error {
	var sinks []publish.Sink
	if a.cfg.Publish.Kafka.Enabled {
		k, err := publish.NewKafkaSink(a.cfg.Publish.Kafka, a.logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		sinks = append(sinks, k)
	}
	if a.cfg.Publish.NATS.Enabled {
		n, err := publish.NewNATSSink(a.cfg.Publish.NATS, a.logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return fmt.Errorf("nats publisher: %w", err)
		}
		sinks = append(sinks, n)
	}
	if len(sinks) > 0 {
		a.dispatcher = publish.NewDispatcher(a.cfg.Queue.Size, a.logger.With("component", "publish"), sinks...)
	}
	return nil
}

func (a *App) recorderOptions() recorder.Options {
	var opts recorder.Options
	if a.eventWriter != nil {
		opts.Archive = a.eventWriter
		opts.Quarantine = storage.NewQuarantineWriter(a.clickhouse)
	}
	if a.dispatcher != nil {
		opts.Publisher = a.dispatcher
	}
	return opts
}

func (a *App) buildLedger(ctx context.Context) error {
	var archiver ledger.Archiver
	if a.cfg.Ledger.Archive.Enabled {
		client, err := s3archive.NewClient(ctx, a.cfg.Ledger.Archive, a.logger)
		if err != nil {
			return fmt.Errorf("ledger archive: %w", err)
		}
		archiver = s3archive.NewSegmentArchiver(client, a.cfg.Ledger.Archive.KeepLocal, a.logger)
	}

	l, err := ledger.Open(a.cfg.Ledger, archiver, a.logger.With("component", "ledger"))
	if err != nil {
		return fmt.Errorf("open action ledger: %w", err)
	}
	a.ledger = l
	a.closers = append(a.closers, l.Close)

	if a.dispatcher != nil {
		l.OnAppend(a.dispatcher.Action)
	}
	if a.actionWriter != nil {
		w := a.actionWriter
		l.OnAppend(func(act event.Action) {
			if err := w.Write(act); err != nil {
				a.logger.Warn("action archive write failed", "error", err)
			}
		})
	}
	return nil
}

func (a *App) buildEnforcement(ctx context.Context) error {
	fw, err := firewall.New(ctx, a.cfg.Firewall, a.logger.With("component", "firewall"))
	if err != nil {
		return fmt.Errorf("firewall: %w", err)
	}
	a.firewall = fw

	store, err := blocklist.NewStore(a.cfg.BlockList)
	if err != nil {
		return fmt.Errorf("block-list store: %w", err)
	}
	bl, err := blocklist.Open(ctx, store, a.cfg.BlockList.Seed, a.logger.With("component", "blocklist"))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open block-list: %w", err)
	}
	a.blocklist = bl
	a.closers = append(a.closers, bl.Close)

	a.scorer = scoring.NewEngine(a.cfg.Scoring, a.logger.With("component", "scoring"))

	pe, err := policy.NewEngine(a.cfg.Policy, fw, bl, a.ledger, a.Emit, a.logger.With("component", "policy"))
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	a.policy = pe
	a.scorer.OnTransition(pe.OnTransition)
	return nil
}

func (a *App) buildInputs() error {
	sc := a.cfg.Sensor
	if sc.Journal.Enabled {
		a.sources = append(a.sources, sensor.NewJournalSource(sc.Journal.Prefix, a.logger))
	}
	if sc.File.Enabled {
		a.sources = append(a.sources, sensor.NewFileSource(sc.File.Path, sc.File.Prefix, a.logger))
	}
	if sc.Conntrack.Enabled {
		a.sources = append(a.sources, sensor.NewConntrackSource(sc.Conntrack.PollInterval, a.logger))
	}
	a.detectors = detect.NewRunner(a.cfg.Detectors, a.Emit, a.logger.With("component", "detect"))

	dc := a.cfg.Decoy
	if dc.CowrieLog != "" {
		a.tailers[string(event.SourceCowrie)] = decoy.NewTailer(dc.CowrieLog, decoy.FormatCowrie, dc.StartAtEnd, a.Emit, a.logger)
	}
	if dc.FTPLog != "" {
		a.tailers[string(event.SourceFTP)] = decoy.NewTailer(dc.FTPLog, decoy.FormatFTP, dc.StartAtEnd, a.Emit, a.logger)
	}

	for _, rc := range a.cfg.Redirectors {
		if !rc.Enabled {
			continue
		}
		r, err := redirector.New(rc, a.blocklist, a.Emit, a.logger.With("redirector", rc.Label()))
		if err != nil {
			return fmt.Errorf("redirector %s: %w", rc.Label(), err)
		}
		a.redirectors = append(a.redirectors, r)
	}
	return nil
}

// Emit admits ev and publishes it to every bus subscriber.
func (a *App) Emit(ev event.Event) {
	if err := a.recorder.Admit(context.Background(), ev); err != nil {
		return
	}
	if dropped := a.bus.Publish(ev); dropped > 0 {
		a.logger.Debug("event dropped by full subscriber queues", "type", ev.Type, "dropped", dropped)
	}
}

// Start runs every component in the background.
func (a *App) Start(ctx context.Context) error {
	// Subscribe before any producer can publish.
	qScoring := a.bus.Subscribe(subScoring)
	qPolicy := a.bus.Subscribe(subPolicy)
	qRecorder := a.bus.Subscribe(subRecorder)

	consCtx, stopCons := context.WithCancel(context.WithoutCancel(ctx))
	prodCtx, stopProd := context.WithCancel(ctx)
	a.stopCons, a.stopProd = stopCons, stopProd

	a.goConsumer(func() { a.scorer.Run(consCtx, qScoring) })
	a.goConsumer(func() { a.policy.Run(consCtx, qPolicy) })
	a.goConsumer(func() { a.recorder.Run(consCtx, qRecorder) })
	if a.dispatcher != nil {
		go a.dispatcher.Run(consCtx)
	}

	obs := make(chan sensor.Observation, a.cfg.Queue.Size)
	var sourcesWG sync.WaitGroup
	for _, src := range a.sources {
		sourcesWG.Add(1)
		a.goProducer(func() {
			defer sourcesWG.Done()
			if err := src.Run(prodCtx, obs); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("observation source stopped", "source", src.Name(), "error", err)
			}
		})
	}
	go func() {
		sourcesWG.Wait()
		close(obs)
	}()
	a.goProducer(func() { a.detectors.Run(prodCtx, obs) })

	for name, t := range a.tailers {
		a.goProducer(func() {
			if err := t.Run(prodCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("decoy tailer stopped", "decoy", name, "error", err)
			}
		})
	}

	for _, r := range a.redirectors {
		if err := r.Start(prodCtx); err != nil {
			a.Shutdown()
			return fmt.Errorf("redirector %s: %w", r.Name(), err)
		}
	}

	a.goProducer(func() { a.retention.Run(prodCtx, retentionInterval) })

	if a.api != nil {
		a.goProducer(func() {
			if err := a.api.ListenAndServe(prodCtx); err != nil {
				a.logger.Error("read API stopped", "error", err)
				select {
				case a.serveErr <- err:
				default:
				}
			}
		})
	}

	a.logger.Info("ghostwall started",
		"policy_mode", a.policy.Mode(),
		"firewall", a.firewall.Name(),
		"sources", len(a.sources),
		"decoys", len(a.tailers),
		"redirectors", len(a.redirectors),
		"api", a.api != nil,
	)
	return nil
}

func (a *App) goProducer(fn func()) {
	a.producers.Add(1)
	go func() {
		defer a.producers.Done()
		fn()
	}()
}

func (a *App) goConsumer(fn func()) {
	a.consumers.Add(1)
	go func() {
		defer a.consumers.Done()
		fn()
	}()
}

// Run starts the daemon, reports readiness to systemd, and blocks until
// ctx is done or the API fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("sd_notify ready failed", "error", err)
	}
	go a.watchdog(ctx)

	var err error
	select {
	case <-ctx.Done():
	case err = <-a.serveErr:
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Shutdown()
	return err
}

// watchdog pings systemd at half the configured watchdog interval.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// Shutdown stops producers, lets the consumers drain the bus, then closes
// every output. It is safe to call once after Start.
func (a *App) Shutdown() {
	a.logger.Info("ghostwall shutting down")

	if a.stopProd != nil {
		a.stopProd()
	}
	for _, r := range a.redirectors {
		r.Stop()
	}
	a.producers.Wait()

	a.bus.Close()
	drained := make(chan struct{})
	go func() {
		a.consumers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		a.logger.Warn("event queues not drained before shutdown", "queues", a.bus.Metrics())
	}
	if a.stopCons != nil {
		a.stopCons()
	}
	<-drained

	a.closeAll()
	a.logger.Info("ghostwall stopped",
		"ledger_written", a.ledger.Metrics().Written,
		"recorded", a.recorder.Metrics().Recorded,
	)
}

// closeAll closes outputs in reverse construction order. The ledger is
// closed before the publishers its hooks feed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil

	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.logger.Warn("publisher close failed", "error", err)
		}
	}
}

// addArchiveClosers registers the archive client ahead of its writers, so
// closeAll drains the writers while the client is still open.
func (a *App) addArchiveClosers(client io.Closer, writers ...io.Closer) {
	a.closers = append(a.closers, client.Close)
	for _, w := range writers {
		a.closers = append(a.closers, w.Close)
	}
}

// topIPs is the number of offenders a snapshot lists.
const topIPs = 10

// Snapshot collects every component's counters.
func (a *App) Snapshot() telemetry.Snapshot {
	s := telemetry.Snapshot{
		Score:       a.scorer.Status(),
		Policy:      a.policy.Stats(),
		Detectors:   a.detectors.Stats(),
		Queues:      a.bus.Metrics(),
		InputErrors: make(map[string]uint64),
		BlockList:   a.blocklist.Len(),
		Ledger:      a.ledger.Metrics(),
		Recorder:    a.recorder.Metrics(),
		TopIPs:      a.policy.Offenders(topIPs),
	}
	for _, src := range a.sources {
		s.InputErrors[src.Name()] = src.Stats().InputErrors
	}
	for name, t := range a.tailers {
		s.InputErrors[name] = t.Stats().InputErrors
	}
	if len(a.redirectors) > 0 {
		s.Redirectors = make(map[string]redirector.Metrics, len(a.redirectors))
		for _, r := range a.redirectors {
			s.Redirectors[r.Name()] = r.Metrics()
		}
	}
	if a.dispatcher != nil {
		m := a.dispatcher.Metrics()
		s.Publish = &m
	}
	return s
}
