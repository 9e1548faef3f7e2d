package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"sessionsync/internal/api"
	"sessionsync/internal/cluster"
	"sessionsync/internal/config"
	"sessionsync/internal/crossdc"
	"sessionsync/internal/logs"
	"sessionsync/internal/metrics"
	"sessionsync/internal/peers"
	"sessionsync/internal/refresh"
	"sessionsync/internal/remote"
	"sessionsync/internal/replication"
	"sessionsync/internal/store"
	"sessionsync/internal/ttl"
)

const shutdownTimeout = 10 * time.Second

// run wires a node and blocks until ctx is cancelled or a worker fails.
func run(ctx context.Context, cfg config.Config) error {
	// Logger
	logger := logs.New(os.Stdout, cfg.Log.Buffer, cfg.LogLevel())
	base := log.With(logger, "node", cfg.NodeID, "site", cfg.Site)

	// Metrics
	reg := metrics.NewRegistry()

	// Store
	sessionStore := store.NewStore(reg)

	// Peer management
	peerConfig := peers.DefaultPeerConfig()
	peerConfig.Timeout.FetchTimeout = cfg.Remote.FetchTimeout
	peerConfig.Timeout.HeartbeatTimeout = cfg.Remote.HeartbeatTimeout
	peerConfig.Heartbeat.Interval = cfg.Remote.HeartbeatInterval
	peerConfig.Health.LastResort = cfg.Remote.LastResort

	sitePeers := peers.NewPeerManager(peerConfig, reg)
	members := peers.NewPeerManager(peerConfig, reg).
		WithGauges(metrics.ClusterMembersHealthy, metrics.ClusterMembersUnhealthy)

	// Cross-site reads
	var provider crossdc.Provider = sessionStore
	if len(cfg.Remote.Sites) > 0 {
		client := remote.NewClient(cfg.Remote.Sites, sitePeers, peerConfig, base)
		provider = crossdc.NewReadThrough(sessionStore, client, base, reg)
	}
	resolver := crossdc.NewResolver(provider)

	// Cluster events
	channel, leave, err := newChannel(ctx, cfg, peerConfig, base, members, reg)
	if err != nil {
		return err
	}
	defer leave()

	for _, l := range []struct {
		key     string
		offline bool
	}{
		{refresh.EventKey, false},
		{refresh.OfflineEventKey, true},
	} {
		refresh.NewListener(l.key, l.offline, sessionStore, base, reg).Register(channel)
	}

	// Nodes of one site keep their stores in step; refresh batches only
	// travel between sites.
	replication.NewListener(sessionStore, base, reg).Register(channel)
	replicator := replication.NewReplicator(cfg.NodeID, channel, base, reg)

	newTracker := func(key string) *refresh.Tracker {
		return refresh.NewTracker(refresh.Config{
			EventKey:           key,
			MaxBatchSize:       cfg.Refresh.MaxBatchSize,
			MaxIntervalSeconds: cfg.Refresh.MaxIntervalSeconds,
		}, channel, base, reg, refresh.WallClock)
	}
	onlineTracker := newTracker(refresh.EventKey)
	offlineTracker := newTracker(refresh.OfflineEventKey)

	// TTL cleaner
	ttlCleaner := ttl.NewCleaner(
		sessionStore,
		cfg.TTL.Interval,
		ttl.Timeouts{
			Idle:        int64(cfg.TTL.IdleTimeout / time.Second),
			OfflineIdle: int64(cfg.TTL.OfflineIdleTimeout / time.Second),
		},
		base,
		reg,
	)

	// API
	handler := api.NewHandler(api.Deps{
		Store:          sessionStore,
		Resolver:       resolver,
		OnlineTracker:  onlineTracker,
		OfflineTracker: offlineTracker,
		Replicator:     replicator,
		Metrics:        reg,
		Logger:         logger,
		Peers:          sitePeers,
		Members:        members,
		Cluster:        channel,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.RegisterRoutes(http.NewServeMux(), handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		onlineTracker.Run(gctx, cfg.Refresh.Tick)
		return nil
	})
	g.Go(func() error {
		offlineTracker.Run(gctx, cfg.Refresh.Tick)
		return nil
	})
	g.Go(func() error {
		ttlCleaner.Start(gctx)
		return nil
	})
	if len(cfg.Remote.Sites) > 0 {
		heartbeat := peers.NewHeartbeatWorker(sitePeers, peerConfig, base, reg)
		g.Go(func() error {
			heartbeat.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		level.Info(base).Log("msg", "server started", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking refreshes before shipping what is pending.
		if err := server.Shutdown(shutdownCtx); err != nil {
			level.Warn(base).Log("msg", "http shutdown failed", "error", err)
		}
		onlineTracker.Drain(shutdownCtx)
		offlineTracker.Drain(shutdownCtx)
		level.Info(base).Log("msg", "server stopped")
		return nil
	})

	return g.Wait()
}

// newChannel joins the gossip cluster, or runs the node on its own when no
// bind address is configured. The returned func leaves the cluster.
func newChannel(
	ctx context.Context,
	cfg config.Config,
	peerConfig peers.PeerConfig,
	logger log.Logger,
	members *peers.PeerManager,
	reg *metrics.Registry,
) (cluster.Channel, func(), error) {
	if cfg.Cluster.BindAddr == "" {
		level.Info(logger).Log("msg", "no cluster bind address, running standalone")
		node := cluster.NewHub(logger).Join(cfg.NodeID, cfg.Site)
		return node, func() {}, nil
	}

	gossip, err := cluster.NewGossip(cluster.GossipConfig{
		NodeName:  cfg.NodeID,
		Site:      cfg.Site,
		BindAddr:  cfg.Cluster.BindAddr,
		BindPort:  cfg.Cluster.BindPort,
		Seeds:     cfg.Cluster.Seeds,
		SecretKey: cfg.Cluster.SecretKey,
		QueueSize: cfg.Cluster.QueueSize,
		Join:      peerConfig.Retry,
	}, logger, members, reg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "start gossip")
	}
	if err := gossip.Join(ctx); err != nil {
		gossip.Stop()
		return nil, nil, errors.Wrap(err, "join cluster")
	}
	return gossip, gossip.Stop, nil
}
