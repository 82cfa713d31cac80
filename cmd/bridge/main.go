package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nberg/nest-bridge/pkg/api"
	"github.com/nberg/nest-bridge/pkg/bridgehost"
	"github.com/nberg/nest-bridge/pkg/config"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	addr := fs.String("addr", ":8787", "address the introspection HTTP server listens on")
	enableProtect := fs.Bool("enable-protect", false, "project Protect smoke/CO devices")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Cloud-to-local home-automation bridge\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting bridge", "log_config", logFlags.String())

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "native_accounts", len(cfg.Native), "federated_accounts", len(cfg.Federated))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	bridgeCfg := bridgehost.DefaultConfig()
	bridgeCfg.Pipeline = devicemodel.PipelineConfig{EnableProtect: *enableProtect}
	bridgeCfg.ResourceDir = cfg.ResourceDir

	host, err := bridgehost.New(bridgeCfg, log.With("component", "bridge"), func(ev devicemodel.Event) {
		switch ev.Type {
		case devicemodel.EventAdd:
			log.Info("device added", "id", ev.Device.ID, "kind", ev.Device.Kind, "name", ev.Device.Name)
		case devicemodel.EventUpdate:
			log.Debug("device updated", "id", ev.Device.ID, "kind", ev.Device.Kind)
		case devicemodel.EventRemove:
			log.Info("device removed", "id", ev.ID)
		}
	})
	if err != nil {
		log.Error("failed to build bridge", "error", err)
		os.Exit(1)
	}

	conns := host.LoadFromConfig(cfg)
	log.Info("connections registered", "count", len(conns))

	host.Start()
	defer host.Close()

	apiServer := api.NewServer(host, log.With("component", "api"))
	if err := apiServer.Start(ctx, *addr); err != nil {
		log.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := apiServer.Stop(stopCtx); err != nil {
			log.Error("failed to stop API server", "error", err)
		}
	}()

	log.Info("ready - press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("graceful shutdown complete")
}
