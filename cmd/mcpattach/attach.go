package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mcpattach/internal/api"
	"github.com/nugget/mcpattach/internal/attach"
	"github.com/nugget/mcpattach/internal/buildinfo"
	"github.com/nugget/mcpattach/internal/keepalive"
	"github.com/nugget/mcpattach/internal/mqtt"
)

// restartBackoff is the keepalive schedule for servers with restart
// enabled. Zero fields take the keepalive defaults.
var restartBackoff keepalive.BackoffConfig

// runAttach attaches the selected servers and holds them until SIGINT
// or SIGTERM. Servers with restart enabled are kept attached by a
// keepalive watcher. It waits for every server's first attach or final
// failure and fails only when nothing could be attached.
func runAttach(ctx context.Context, stdout io.Writer, configPath string, ids []string) error {
	e, err := setup(configPath, stdout)
	if err != nil {
		return err
	}
	defer e.close()
	logger := e.logger

	servers, err := selectServers(e.cfg, ids)
	if err != nil {
		return err
	}

	logger.Info("starting mcpattach",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", e.cfgPath,
		"state_dir", e.root,
		"servers", len(servers),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if e.history != nil {
		if n, err := e.history.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
			logger.Warn("history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("history pruned", "removed", n)
		}
	}

	ctrl := e.controller()
	keep := keepalive.NewManager(ctrl, logger)

	// --- MQTT status mirror ---
	var mqttPub *mqtt.Publisher
	if e.cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(e.root)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		ids := make([]string, len(servers))
		for i, s := range servers {
			ids[i] = s.ID
		}
		mqttPub = mqtt.New(e.cfg.MQTT, instanceID, ids, ctrl.Events(), ctrl, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", e.cfg.MQTT.Broker, "prefix", e.cfg.MQTT.TopicPrefix)
	} else {
		logger.Debug("mqtt publishing disabled (not configured)")
	}

	// --- Status API ---
	var apiServer *api.Server
	if e.cfg.Listen.Enabled() {
		apiServer = api.NewServer(e.cfg.Listen.Address, e.cfg.Listen.Port, ctrl.Events(), ctrl, logger)
		apiServer.SetKeepalive(keep)
		if e.history != nil {
			apiServer.SetHistory(e.history)
		}
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	// --- Attach ---
	// A kept-alive server counts once its watcher first attaches it; a
	// watcher that gives up first counts as a failure.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		attached int
	)
	for _, s := range servers {
		opts := startOptions(s)
		wg.Add(1)
		if s.Restart {
			go func() {
				defer wg.Done()
				first := make(chan struct{})
				var once sync.Once
				w := keep.Watch(ctx, keepalive.WatcherConfig{
					Options:    opts,
					Backoff:    restartBackoff,
					OnAttached: func(*attach.StartResult) { once.Do(func() { close(first) }) },
				})
				select {
				case <-first:
				case <-w.Done():
				case <-ctx.Done():
				}
				select {
				case <-first:
					mu.Lock()
					attached++
					mu.Unlock()
				default:
				}
			}()
			continue
		}
		go func() {
			defer wg.Done()
			if _, err := ctrl.StartServer(ctx, opts); err != nil {
				return
			}
			mu.Lock()
			attached++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if attached == 0 && ctx.Err() == nil {
		shutdown(logger, keep, ctrl, mqttPub, apiServer)
		return fmt.Errorf("no servers attached (see launch logs under %s)", e.root)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdown(logger, keep, ctrl, mqttPub, apiServer)
	logger.Info("mcpattach stopped")
	return nil
}

// shutdown stops watchers first so nothing re-attaches, then disposes
// every live server, then closes the outer surfaces.
func shutdown(logger *slog.Logger, keep *keepalive.Manager, ctrl *attach.Controller, mqttPub *mqtt.Publisher, apiServer *api.Server) {
	keep.Stop()
	if err := ctrl.Shutdown(); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if mqttPub != nil {
		if err := mqttPub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if apiServer != nil {
		_ = apiServer.Shutdown(stopCtx)
	}
}
