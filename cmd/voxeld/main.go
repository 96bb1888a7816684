// Command voxeld runs the authoritative block-world server: it loads
// configuration, opens the QUIC listener, and blocks until an
// interrupt signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockrealm/voxeld/pkg/chat"
	"github.com/blockrealm/voxeld/pkg/netserver"
	"github.com/blockrealm/voxeld/pkg/transport"
	"github.com/blockrealm/voxeld/pkg/voxel"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	listenAddr := flag.String("listen", "", "listen address, e.g. :27015 (overrides config file)")
	configPath := flag.String("config", "voxeld.yaml", "path to an optional YAML config overlay")
	seed := flag.Int64("seed", 0, "world seed (0 = use config/default)")
	saveDir := flag.String("save-dir", "", "chunk save directory (overrides config file)")
	chatLogPath := flag.String("chat-log", "", "optional append-only chat history file")
	flag.Parse()

	cfg := netserver.DefaultConfig()
	if err := netserver.LoadYAMLOverlay(&cfg, *configPath); err != nil {
		logger.Error("failed to load config overlay", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *seed != 0 {
		cfg.WorldSeed = *seed
	}
	if *saveDir != "" {
		cfg.SaveDir = *saveDir
	}

	store := voxel.NewChunkStore(cfg.WorldSeed, cfg.SaveDir)
	logger.Info("generating spawn area", "radius", voxel.SpawnAreaRadius)
	if err := store.GenerateInitialTwoPass(voxel.SpawnAreaRadius); err != nil {
		logger.Error("failed to generate spawn area", "error", err)
		os.Exit(1)
	}

	history, err := chat.Open(*chatLogPath)
	if err != nil {
		logger.Error("failed to open chat history", "error", err)
		os.Exit(1)
	}
	defer history.Close()

	tp := transport.NewQUICTransport()
	srv := netserver.New(cfg, tp, store, history, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("starting voxeld", "listen_addr", cfg.ListenAddr, "world_seed", cfg.WorldSeed)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
