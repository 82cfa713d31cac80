package logger_test

import (
	"fmt"
	"os"

	"github.com/nberg/nest-bridge/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("bridge started", "version", "1.0.0")
	log.Warn("deprecated field used", "field", "track.id")
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugNexus)
	cfg.EnableCategory(logger.DebugTrait)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugFrame(204, 1200, "sess-1")
	log.DebugTraitPatch("DEVICE_1", "configuration_done", true)

	log.DebugNexus("packet received", "channel", 1)
	log.DebugTrait("reconciled duplicate", "resource_id", "DEVICE_1")
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/nberg/nest-bridge/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/bridge/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json")

	log.Info("connection authorized",
		"connection_id", "c-1",
		"account_kind", "federated",
		"duration_ms", 250)
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugDispatch)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Category methods automatically check if enabled; zero cost when disabled.
	log.DebugDispatch("encoded write", "uuid", "DEVICE_1", "keys", 2)
	log.DebugNexus("packet received", "channel", 1)
}
