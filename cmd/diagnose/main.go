package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/config"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/restsub"
	"github.com/nberg/nest-bridge/pkg/store"
	"github.com/nberg/nest-bridge/pkg/traitobserve"
)

// Diagnostic tool answering three questions about one configured connection:
// 1. Does the authorize flow succeed and produce a usable session?
// 2. Does the app_launch refresh populate the store with real buckets?
// 3. Does the projector turn those buckets into canonical devices?

type fixedTraitTypes struct{}

func (fixedTraitTypes) TraitTypes(kind account.Kind) []string {
	return append(devicemodel.ThermostatTraitTypes(), "weave.trait.power.BatteryPowerSourceTrait")
}

func main() {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	duration := fs.Duration("duration", 20*time.Second, "how long to watch the subscribe/observe streams before reporting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Connection diagnostic tool\n\n")
		fmt.Fprintf(os.Stderr, "This tool will:\n")
		fmt.Fprintf(os.Stderr, "  1. Authorize the first configured connection\n")
		fmt.Fprintf(os.Stderr, "  2. Run one app_launch refresh and watch the observe stream\n")
		fmt.Fprintf(os.Stderr, "  3. Project the store into canonical devices and print a report\n\n")
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

	lgr, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer lgr.Close()

	logger.SetDefault(lgr)

	lgr.Info("=== Connection Diagnostic Tool ===", "log_config", logFlags.String())

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Native) == 0 && len(cfg.Federated) == 0 {
		log.Fatalf("No accounts configured in .env")
	}

	mgr, err := account.NewManager(account.DefaultManagerConfig(), lgr.With("component", "account"), nil)
	if err != nil {
		log.Fatalf("Failed to build account manager: %v", err)
	}
	conns := mgr.LoadFromConfig(cfg)
	conn := conns[0]
	lgr.Info("diagnosing connection", "label", conn.Label, "kind", conn.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		lgr.Info("interrupted by user")
		cancel()
	}()

	mgr.Start()
	defer mgr.Stop()

	deadline := time.After(*duration)
	for !conn.Authorized() {
		select {
		case <-ctx.Done():
			log.Fatalf("cancelled before authorize completed")
		case <-deadline:
			log.Fatalf("authorize did not complete within %s", *duration)
		case <-time.After(50 * time.Millisecond):
		}
	}
	lgr.Info("✓ authorize succeeded")

	st := store.New()
	var events []devicemodel.Event
	pipeline := devicemodel.NewPipeline(devicemodel.PipelineConfig{EnableProtect: true}, st, lgr, devicemodel.AuxFetchers{}, func(ev devicemodel.Event) {
		events = append(events, ev)
	})

	sub := restsub.New(conn, mgr.HTTPClient(), st, lgr.With("component", "restsub"), pipeline.Run)
	obs := traitobserve.New(conn, mgr.HTTPClient(), fixedTraitTypes{}, st, lgr.With("component", "traitobserve"), pipeline.Run)

	go sub.Run(ctx)
	go obs.Run(ctx)

	lgr.Info("watching subscribe/observe streams", "duration", duration.String())
	select {
	case <-time.After(*duration):
	case <-ctx.Done():
	}
	cancel()

	printReport(conn, st, events)
}

func printReport(conn *account.Connection, st *store.Store, events []devicemodel.Event) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("DIAGNOSTIC RESULTS")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Connection: %s (%s)\n", conn.Label, conn.Kind)
	fmt.Printf("Authorized: %v\n\n", conn.Authorized())

	entries := st.All()
	fmt.Printf("STORE ENTRIES: %d\n", len(entries))
	byPrefix := map[string]int{}
	for _, e := range entries {
		byPrefix[store.PrefixOf(e.ResourceID)]++
	}
	for prefix, count := range byPrefix {
		fmt.Printf("  %-14s %d\n", prefix, count)
	}

	adds, updates, removes := 0, 0, 0
	for _, ev := range events {
		switch ev.Type {
		case devicemodel.EventAdd:
			adds++
		case devicemodel.EventUpdate:
			updates++
		case devicemodel.EventRemove:
			removes++
		}
	}
	fmt.Printf("\nPROJECTOR EVENTS: %d add, %d update, %d remove\n", adds, updates, removes)

	fmt.Println(strings.Repeat("=", 80))
	if len(entries) == 0 {
		fmt.Println("❌ CRITICAL: store is empty — app_launch refresh never completed")
	} else if adds == 0 {
		fmt.Println("⚠️  store has data but the projector matched nothing — check field names")
	} else {
		fmt.Println("✓ store populated and devices projected")
	}
	fmt.Println(strings.Repeat("=", 80))
}
