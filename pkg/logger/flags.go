package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	DebugNexus    bool
	DebugRest     bool
	DebugTrait    bool
	DebugDispatch bool
	DebugAll      bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugNexus, "debug-nexus", false,
		"Enable nexus session debugging (frame types, channel state)")
	fs.BoolVar(&f.DebugRest, "debug-rest", false,
		"Enable REST subscriber debugging (subscribe diffs, merges)")
	fs.BoolVar(&f.DebugTrait, "debug-trait", false,
		"Enable trait observer debugging (reconciliation, patches)")
	fs.BoolVar(&f.DebugDispatch, "debug-dispatch", false,
		"Enable command dispatcher debugging (encoded writes)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugNexus {
			cfg.EnableCategory(DebugNexus)
			cfg.Level = LevelDebug
		}
		if f.DebugRest {
			cfg.EnableCategory(DebugRest)
			cfg.Level = LevelDebug
		}
		if f.DebugTrait {
			cfg.EnableCategory(DebugTrait)
			cfg.Level = LevelDebug
		}
		if f.DebugDispatch {
			cfg.EnableCategory(DebugDispatch)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./bridge

  Enable DEBUG level:
    ./bridge --log-level debug
    ./bridge -l debug

  Log to file:
    ./bridge --log-file bridge.log
    ./bridge -o bridge.log

  JSON format for structured logging:
    ./bridge --log-format json -o bridge.json

  Debug nexus sessions only:
    ./bridge --debug-nexus

  Debug trait reconciliation only:
    ./bridge --debug-trait

  Debug multiple categories:
    ./bridge --debug-rest --debug-trait --debug-dispatch

  Debug everything:
    ./bridge --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./bridge -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugNexus {
			debugCategories = append(debugCategories, "nexus")
		}
		if f.DebugRest {
			debugCategories = append(debugCategories, "rest")
		}
		if f.DebugTrait {
			debugCategories = append(debugCategories, "trait")
		}
		if f.DebugDispatch {
			debugCategories = append(debugCategories, "dispatch")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
