package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/quietsend/quietsend/internal/app"
	"github.com/quietsend/quietsend/internal/config"
	"github.com/quietsend/quietsend/internal/logging"
)

// shutdownTimeout bounds the HTTP drain. Everything after the drain runs to
// completion regardless.
const shutdownTimeout = 15 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides QS_LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for the window before the structured one exists.
	boot := log.New(os.Stdout, "[quietsend] ", log.LstdFlags)

	// automaxprocs has already matched GOMAXPROCS to the container CPU limit.
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
		boot.Printf("Debug mode enabled via flag")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble daemon")
	}

	if err := a.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start daemon")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Shutdown(ctx)
}
