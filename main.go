package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/netheril96/dns-region-forwarder/lib"
)

func main() {
	opts, err := ParseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := NewLogger(opts.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	// Load configuration
	config, err := lib.LoadConfig(opts.ConfigDir, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	router, err := lib.NewRouter(config, logger)
	if err != nil {
		logger.Fatal("Failed to create upstreams", zap.Error(err))
	}

	server := &dns.Server{
		Addr:    config.Listen().String(),
		Net:     "udp",
		Handler: NewForwarder(router, logger),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Fatal("Failed to listen", zap.Stringer("listen", config.Listen()), zap.Error(err))
		}
	}()
	logger.Info("DNS forwarder listening", zap.Stringer("listen", config.Listen()))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if err := server.Shutdown(); err != nil {
		logger.Warn("Shutdown failed", zap.Error(err))
	}
}
