package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/kalambet/recall/internal/composer"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/engine"
	"github.com/kalambet/recall/internal/memory"
	"github.com/kalambet/recall/internal/pipeline"
	"github.com/kalambet/recall/internal/storage"
)

// app is everything a serving process owns. Only one process may own a
// data directory at a time since the memory service is its single writer.
type app struct {
	cfg       config.Config
	engine    engine.Engine
	store     *storage.CachedStore
	memory    *memory.Service
	responder *pipeline.Responder
	pidPath   string
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openApp claims the data directory and wires storage, the inference
// engine, the memory service and the responder. The caller must Close it.
func openApp(ctx context.Context, cfg config.Config, checkModels bool) (*app, error) {
	a := &app{cfg: cfg, pidPath: pidFilePath(cfg.Storage.DataDir)}
	if err := claimPIDFile(a.pidPath); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	eng, err := engine.Detect(cfg.DetectConfig())
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	a.engine = eng
	if checkModels {
		if err := engine.EnsureReady(ctx, eng, cfg.ChatModel(), cfg.EmbedModel(), os.Stderr); err != nil {
			return nil, err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir, cfg.Memory.Dimension)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	cached, err := storage.NewCachedStore(store, cfg.Memory.CacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating record cache: %w", err)
	}
	a.store = cached

	var embedder memory.Embedder
	if cfg.Memory.Embedder == config.EmbedderHash {
		embedder = embedding.NewHashEmbedder(cfg.Memory.Dimension)
		slog.Warn("using offline hash embedder; similarity is lexical only")
	} else {
		embedder = embedding.NewEmbedder(eng, cfg.EmbedModel())
	}

	svc, err := memory.Open(ctx, cached, embedder, cfg.ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("opening memory: %w", err)
	}
	a.memory = svc

	a.responder = pipeline.NewResponder(
		svc,
		eng,
		cfg.ChatModel(),
		composer.New(cfg.Memory.ContextTokens),
		cfg.Personality.File,
		cfg.Memory.TopK,
	)

	ok = true
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}
	removePIDFile(a.pidPath)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recall.pid")
}

// claimPIDFile writes our PID, refusing when another live process holds
// the file.
func claimPIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("recall is already running (PID %d); stop it or use its HTTP API", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	if pid, err := readPIDFile(path); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
