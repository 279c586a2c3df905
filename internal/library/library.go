// Package library wires C1-C10 into one process-wide Library handle, the
// way aistore's target.go composes its target's stores, xaction registry,
// and cluster-membership state into a single long-lived struct that
// cmd/syncmeshd boots and shuts down as a unit.
package library

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/content"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/indexer"
	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/pairing"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
	"github.com/NVIDIA/syncmesh/internal/syncpeer"
	"github.com/NVIDIA/syncmesh/internal/volume"
	"github.com/NVIDIA/syncmesh/internal/xfer"
)

const (
	mainDBFile = "main.db"
	jobDBFile  = "jobs.db"
)

// Library is one process's complete local state: the main and job buntdb
// handles, every C1-C10 subsystem built on top of them, and the single
// fasthttp listener a paired peer dials into for all three wire surfaces
// (pairing, sync envelopes, file transfer).
type Library struct {
	baseDir  string
	cfg      *config.Config
	Identity identity

	entries  *store.Store
	contents *content.Store
	synclog  *synclog.Log
	clock    *hlc.Clock
	bus      *eventbus.Bus

	jobDB       *buntdb.DB
	jobs        *job.Runtime
	registry    *job.Registry
	unwatchAgg  func()
	unwatchAddr func()

	backend      volume.Backend
	book         *addressBook
	syncTport    *HTTPSyncTransport
	fileTransfer *HTTPFileTransferClient
	sender       *syncpeer.Sender
	receiver     *syncpeer.Receiver
	Engine       *syncpeer.Engine

	pairingSessions *pairing.SessionStore
	Pairing         *pairing.Manager
	pairingTport    *pairing.FasthttpTransport

	server *muxServer

	runCancel context.CancelFunc
}

// Open boots a Library rooted at baseDir: loads Config (defaults when no
// config.json exists), loads (or writes) the local device identity, opens both buntdb files, and constructs every
// C1-C10 subsystem wired to each other. It does not yet listen on the
// network or start the sync/job loops — call Run for that, so a caller can
// register additional volumes/job factories first.
func Open(baseDir string) (*Library, error) {
	cfg, err := config.Load(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	id, err := loadOrCreateIdentity(baseDir, "syncmesh-device")
	if err != nil {
		return nil, err
	}

	entries, err := store.Open(filepath.Join(baseDir, mainDBFile))
	if err != nil {
		return nil, err
	}
	contents := content.Open(entries.DB())
	slog := synclog.Open(entries.DB())

	seed, err := slog.LastLocalHLC()
	if err != nil {
		entries.Close()
		return nil, errors.Wrap(err, "library: seed clock")
	}
	clock := hlc.New(id.UUID, seed)

	jobDB, err := buntdb.Open(filepath.Join(baseDir, jobDBFile))
	if err != nil {
		entries.Close()
		return nil, errors.Wrap(err, "library: open job db")
	}

	bus := eventbus.New()
	registry := job.NewRegistry()
	jobs := job.NewRuntime(jobDB, registry, bus, cfg.Job)

	backend := volume.NewLocalBackend(baseDir)
	book := newAddressBook()
	syncTport := NewHTTPSyncTransport(id.UUID, book)
	fileTransfer := NewHTTPFileTransferClient(id.UUID, book)

	sender := syncpeer.NewSender(entries, slog, syncTport, id.UUID, cfg.Sync)
	receiver := syncpeer.NewReceiver(entries, slog, entries.DB(), clock, cfg.Sync.DependencyTTL)
	engine := syncpeer.NewEngine(entries, slog, sender, receiver, syncTport, cfg.Sync, prometheus.DefaultRegisterer)
	syncTport.Serve(engine)

	pairingSessions := pairing.NewSessionStore(entries.DB())
	pairingTport := pairing.NewFasthttpTransport()
	pairingMgr := pairing.NewManager(pairing.DeviceInfo{UUID: id.UUID, Name: id.Name}, pairingTport, pairingSessions, entries, slog, clock, bus, cfg.Pairing)
	pairingTport.Serve(pairingMgr)
	pairingMgr.SetBackfiller(engine)

	transferSrv := newFileTransferServer(backend)
	srv := newMuxServer(pairingTport.RequestHandlerFunc(), syncTport.RequestHandlerFunc(), transferSrv.RequestHandlerFunc())

	l := &Library{
		baseDir:         baseDir,
		cfg:             cfg,
		Identity:        id,
		entries:         entries,
		contents:        contents,
		synclog:         slog,
		clock:           clock,
		bus:             bus,
		jobDB:           jobDB,
		jobs:            jobs,
		registry:        registry,
		backend:         backend,
		book:            book,
		syncTport:       syncTport,
		fileTransfer:    fileTransfer,
		sender:          sender,
		receiver:        receiver,
		Engine:          engine,
		pairingSessions: pairingSessions,
		Pairing:         pairingMgr,
		pairingTport:    pairingTport,
		server:          srv,
	}
	l.registerJobFactories()
	return l, nil
}

func (l *Library) registerJobFactories() {
	l.registry.Register(indexer.JobName, indexer.NewFactory(l.entries, l.contents, l.bus, indexer.RuleSet{}))
	l.registry.Register(indexer.AggregateJobName, indexer.NewAggregateFactory(l.entries))
	l.registry.Register(xfer.JobName, xfer.NewFactory(l.entries, l.contents, l.bus, l.backend, l.fileTransfer))
}

// Run starts the job runtime's resume pass, the sync engine's send/receive
// loop, the pairing sweep, the aggregate-on-index-complete watcher, and the
// HTTP listener every peer dials into. It returns once everything is
// started; background work continues until ctx is cancelled or Close is
// called.
func (l *Library) Run(ctx context.Context, listenAddr string) error {
	if err := l.jobs.Resume(); err != nil {
		return errors.Wrap(err, "library: resume jobs")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.runCancel = cancel

	l.unwatchAgg = indexer.WatchJobCompletions(l.bus, l.jobs, l.entries)
	l.unwatchAddr = l.watchPairingAddresses()

	go l.Engine.Run(runCtx)
	go l.runPairingSweep(runCtx)
	go func() {
		if err := l.server.ListenAndServe(listenAddr); err != nil {
			nlog.Errorf("library: http listener stopped: %v", err)
		}
	}()

	nlog.Infof("library: device %s (%s) listening on %s", l.Identity.UUID, l.Identity.Name, listenAddr)
	return nil
}

// watchPairingAddresses keeps the addressBook current off the bus rather
// than having pairing.Manager import internal/library back — mirrors
// indexer.WatchJobCompletions's own subscribe-and-react shape.
func (l *Library) watchPairingAddresses() func() {
	sub, unsubscribe := l.bus.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Kind != eventbus.KindPairingCompleted {
				continue
			}
			p, ok := ev.Payload.(eventbus.PairingPayload)
			if !ok || p.PeerID == "" || p.Address == "" {
				continue
			}
			l.RegisterPeerAddress(p.PeerID, p.Address)
		}
	}()
	return unsubscribe
}

func (l *Library) runPairingSweep(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Pairing.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := l.Pairing.Sweep(now); err != nil {
				nlog.Warningf("library: pairing sweep: %v", err)
			} else if n > 0 {
				nlog.Infof("library: pairing sweep failed %d expired session(s)", n)
			}
		}
	}
}

// IndexLocation registers path as a Location (if not already known) and
// dispatches an indexer.walk job for it.
func (l *Library) IndexLocation(path string) (*job.Handle, error) {
	loc, err := l.entries.CreateLocation(path)
	if err != nil {
		return nil, err
	}
	return l.jobs.DispatchByName(indexer.JobName, indexer.Params{
		LocationID:      loc.ID,
		RootPath:        path,
		WalkConcurrency: l.cfg.Indexer.WalkConcurrency,
	}, job.PriorityNormal)
}

// RegisterPeerAddress records addr as the dial target for deviceUUID —
// called once pairing completes (the handshake's advertised Addresses) or
// whenever a later discovery layer refreshes it.
func (l *Library) RegisterPeerAddress(deviceUUID, addr string) {
	l.book.Set(deviceUUID, addr)
}

// RegisterVolume fingerprints backend and writes a new device-owned Volume
// row for this library's identity.
func (l *Library) RegisterVolume(ctx context.Context, backend volume.Backend, p volume.RegisterParams) (*store.Volume, error) {
	p.DeviceID = l.Identity.UUID
	return volume.Register(ctx, l.entries, backend, p)
}

// Close stops background work and closes both buntdb handles. Safe to call
// after a failed Open only for the resources Open already acquired.
func (l *Library) Close() error {
	if l.runCancel != nil {
		l.runCancel()
	}
	if l.unwatchAgg != nil {
		l.unwatchAgg()
	}
	if l.unwatchAddr != nil {
		l.unwatchAddr()
	}
	if l.server != nil {
		_ = l.server.Shutdown()
	}
	l.jobs.Shutdown(l.cfg.Timeouts.CplaneOperation)

	var err error
	if cerr := l.jobDB.Close(); cerr != nil {
		err = cerr
	}
	if cerr := l.entries.Close(); cerr != nil {
		err = cerr
	}
	return err
}
