package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"voxelstream.dev/internal/config"
	"voxelstream.dev/internal/logging"
	"voxelstream.dev/internal/persistence/chunkstore"
	"voxelstream.dev/internal/persistence/indexdb"
	"voxelstream.dev/internal/persistence/mirror"
	"voxelstream.dev/internal/registry"
	"voxelstream.dev/internal/runtime"
	"voxelstream.dev/internal/stream"
	"voxelstream.dev/internal/transport/status"
	"voxelstream.dev/internal/world"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (empty: built-in defaults)")
		focusX     = flag.Float64("focus_x", 0, "initial primary focus x (world units)")
		focusY     = flag.Float64("focus_y", 0, "initial primary focus y (world units)")
		focusZ     = flag.Float64("focus_z", 0, "initial primary focus z (world units)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	store := chunkstore.New(cfg.WorldDir, logger.Named("chunkstore"))
	store.SetCompressionLevel(cfg.Storage.CompressionLevel)
	store.SetMetadataCacheSize(cfg.Storage.MetadataCacheSize)

	var idx *indexdb.Index
	if cfg.IndexDB != "" {
		idx, err = indexdb.Open(cfg.IndexDB, logger.Named("indexdb"))
		if err != nil {
			logger.Fatal("open chunk index", zap.Error(err))
		}
		defer func() { _ = idx.Close() }()
	}

	if cfg.Mirror.Enabled() {
		client, err := mirror.NewClient(cfg.Mirror.Endpoint, cfg.Mirror.Bucket, cfg.Mirror.AccessKey, cfg.Mirror.SecretKey)
		if err != nil {
			logger.Fatal("mirror client", zap.Error(err))
		}
		m := mirror.New(client, cfg.WorldDir, cfg.Mirror.Prefix, cfg.Mirror.Workers, 0, logger.Named("mirror"))
		defer m.Close()
		store.SetAfterSave(func(_ world.ChunkCoord, path string) { m.Enqueue(path) })
		logger.Info("chunk mirroring enabled", zap.String("bucket", cfg.Mirror.Bucket))
	}

	regOpts := []registry.Option{registry.WithSavesPerUpdate(cfg.Registry.SavesPerUpdate)}
	if idx != nil {
		regOpts = append(regOpts, registry.WithIndex(idx))
	}
	reg := registry.New(store, cfg.ChunkSize, logger.Named("registry"), regOpts...)

	budget := stream.NewMemoryBudget(
		cfg.Streaming.Memory.MaxChunkBytes,
		cfg.Streaming.Memory.MaxMeshBytes,
		cfg.Streaming.Memory.ReserveBytes,
	)
	streamer := stream.New(reg, budget, logger.Named("streamer"),
		stream.WithWorkers(cfg.Streaming.WorkerThreads),
		stream.WithMaxQueuedTasks(cfg.Streaming.MaxQueuedTasks),
		stream.WithMaxRetries(cfg.Streaming.MaxRetries),
		stream.WithUpdateInterval(time.Duration(cfg.Streaming.UpdateIntervalMS)*time.Millisecond),
	)

	container := runtime.NewContainer(logger.Named("runtime"))
	for _, s := range []runtime.Subsystem{store, reg, streamer} {
		if err := container.Register(s); err != nil {
			logger.Fatal("register subsystem", zap.Error(err))
		}
	}
	if err := container.InitializeAll(); err != nil {
		logger.Fatal("initialize subsystems", zap.Error(err))
	}

	streamer.SetFocusPoint(world.Vec3{X: *focusX, Y: *focusY, Z: *focusZ}, cfg.Streaming.FocusRadius)

	feed := status.NewServer(streamer, logger.Named("status"))
	if err := feed.Start(cfg.Status.Addr); err != nil {
		logger.Fatal("start status feed", zap.Error(err))
	}

	logger.Info("world daemon running",
		zap.String("world_dir", cfg.WorldDir),
		zap.Int("chunk_size", cfg.ChunkSize),
		zap.Int("workers", cfg.Streaming.WorkerThreads))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Fixed-rate tick loop; subsystems accumulate dt internally.
	const tick = 50 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()

loop:
	for {
		select {
		case <-stop:
			break loop
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			container.UpdateAll(dt)
		}
	}

	logger.Info("shutting down")
	if err := feed.Stop(); err != nil {
		logger.Warn("status feed stop", zap.Error(err))
	}
	if err := container.ShutdownAll(); err != nil {
		logger.Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
}
