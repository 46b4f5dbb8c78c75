package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options holds the command line options of the forwarder.
type Options struct {
	ConfigDir string
	LogLevel  string
}

// ParseOptions parses args, which should not include the program name.
func ParseOptions(args []string) (*Options, error) {
	fs := flag.NewFlagSet("dns-forwarder", flag.ContinueOnError)
	var opts Options
	fs.StringVar(&opts.ConfigDir, "config", ".", "directory containing resolve.config")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return &opts, nil
}

// NewLogger builds a production zap logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}
