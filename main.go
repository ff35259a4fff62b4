package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/arung-agamani/denpa-radio/config"
	"github.com/arung-agamani/denpa-radio/internal/bufstore"
	"github.com/arung-agamani/denpa-radio/internal/orchestrator"
	"github.com/arung-agamani/denpa-radio/internal/station"
	"github.com/arung-agamani/denpa-radio/internal/wsworker"
)

func main() {
	var logLevel slog.LevelVar // zero value is info, until LOG_LEVEL is read
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	}))
	slog.SetDefault(logger)

	configPath := "denpa.conf"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("unknown LOG_LEVEL, keeping info", "log_level", cfg.LogLevel)
	}

	slog.Info("starting denpa radio",
		"music_dir", cfg.MusicDir,
		"threads", cfg.Threads,
		"tls", cfg.TLS,
	)

	stations, err := loadStations(cfg.MusicDir)
	if err != nil {
		slog.Error("failed to load stations", "music_dir", cfg.MusicDir, "error", err)
		os.Exit(1)
	}
	if len(stations) == 0 {
		slog.Error("no station directories found under music_dir", "music_dir", cfg.MusicDir)
		os.Exit(1)
	}

	stationNames := make([]string, len(stations))
	for i, s := range stations {
		stationNames[i] = s.Name()
		slog.Info("station loaded", "id", s.ID(), "name", s.Name(), "dir", s.Dir())
	}

	store := bufstore.New()

	perWorkerMaxClients := cfg.MaxClients / cfg.Threads
	workers := make([]*wsworker.Worker, cfg.Threads)
	for i := range workers {
		workers[i] = wsworker.New(i, store)
		workers[i].SetMaxClients(perWorkerMaxClients)
	}

	orch := orchestrator.New(store, stations, workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	for _, s := range stations {
		go s.Run(ctx)
	}
	for _, w := range workers {
		go w.Run(ctx)
	}
	go orch.Run(ctx)

	addr := ":" + cfg.Port
	if cfg.TLS {
		addr = ":" + cfg.TLSPort
	}
	srv := wsworker.NewServer(addr, workers, stationNames, cfg.WebDir)
	if cfg.TLS {
		srv.EnableTLS(cfg.FullChain, cfg.PrivateKey)
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

// loadStations builds one Station per immediate subdirectory of musicDir,
// assigning dense ids in directory-listing order. Station ids double as the
// even/odd audio/metadata channel pair the orchestrator publishes on, so the
// assignment must stay fixed for the process lifetime.
func loadStations(musicDir string) ([]*station.Station, error) {
	entries, err := os.ReadDir(musicDir)
	if err != nil {
		return nil, err
	}

	var stations []*station.Station
	id := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(musicDir, entry.Name())
		s, err := station.New(id, dir)
		if err != nil {
			return nil, err
		}
		stations = append(stations, s)
		id++
	}
	return stations, nil
}
