// Command server runs the collaborative document server: a WebSocket
// listener handing each connection to one pkg/agent.Agent backed by a
// shared in-memory pkg/backend.MemoryBackend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreseekdev/shareddoc/pkg/backend"
	"github.com/coreseekdev/shareddoc/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	logLevel := flag.String("log-level", "info", "zerolog level (debug, info, warn, error)")
	pretty := flag.Bool("pretty", false, "human-readable console log output")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := log.Logger
	if *pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	be := backend.New(logger)
	srv := transport.NewServer(*addr, be, logger)

	logger.Info().Str("addr", *addr).Msg("starting server")
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
