package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"jobcast/internal/broadcast"
	"jobcast/internal/config"
	"jobcast/internal/conn"
	"jobcast/internal/history"
	"jobcast/internal/maintain"
	"jobcast/internal/mock"
	"jobcast/internal/session"
	"jobcast/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	stepDelay := flag.Duration("step-delay", 500*time.Millisecond, "Simulated executor work per step")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	haveFile := err == nil
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errLog := zerolog.New(os.Stderr)
			errLog.Fatal().Err(err).Msg("failed to load config")
		}
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if !haveFile {
		log.Info().Str("path", *configPath).Msg("no config file, using defaults")
	}

	holder := config.NewHolder(cfg)
	hist := history.NewLog(cfg.History.Retention)

	conns := conn.NewRegistry(log)
	sessions := session.NewRegistry(mock.NewExecutor(*stepDelay), log)
	broadcaster := broadcast.New(conns, sessions, hist, log)
	conns.SetHooks(broadcaster, sessions)
	sessions.SetEmitter(broadcaster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessions.Start(ctx)

	if haveFile {
		if err := config.Watch(ctx, *configPath, holder, log); err != nil {
			log.Warn().Err(err).Msg("config hot reload unavailable")
		}
	}

	scheduler := maintain.NewScheduler(conns, sessions, broadcaster, holder, log)
	scheduler.Start()

	server := ws.NewServer(holder, conns, sessions, hist, log)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		scheduler.Stop()
		conns.CloseAll()
		sessions.Wait()
		os.Exit(0)
	}()

	log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("server listening")
	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
