package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/efecan0/binaryrpc-framework/app"
	"github.com/efecan0/binaryrpc-framework/config"
	"github.com/efecan0/binaryrpc-framework/middlewares"
	"github.com/efecan0/binaryrpc-framework/otel"
	"github.com/efecan0/binaryrpc-framework/plugins/room"
	"github.com/efecan0/binaryrpc-framework/ratelimit"
	"github.com/efecan0/binaryrpc-framework/rpc"
	"github.com/efecan0/binaryrpc-framework/session"
	wstransport "github.com/efecan0/binaryrpc-framework/transport/websocket"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	var metrics *otel.Metrics
	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), otel.Config{
			Endpoint:       cfg.Metrics.Endpoint,
			ServiceName:    cfg.Metrics.ServiceName,
			ServiceVersion: cfg.Metrics.ServiceVersion,
		})
		if err != nil {
			logger.Error("failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
		if metrics, err = otel.NewMetrics(); err != nil {
			logger.Error("failed to create metric instruments", "error", err)
			os.Exit(1)
		}
	}

	a := app.New(app.Options{
		Logger:    logger,
		Session:   cfg.SessionOptions(),
		Workers:   cfg.Server.Workers,
		QueueSize: cfg.Server.WorkerQueueSize,
		Metrics:   metrics,
	})

	ws := wstransport.New(wstransport.Config{
		Path:            cfg.Server.WSPath,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, a.Sessions(), logger)
	ws.SetMetrics(metrics)
	ws.SetReliable(cfg.ReliableOptions())
	ipLimiter := ratelimit.NewIPRateLimiter(10, 20, 5*time.Minute)
	defer ipLimiter.Stop()
	ws.SetIPRateLimiter(ipLimiter)
	a.SetTransport(ws)

	a.SetRateLimiter(ratelimit.NewSessionRateLimiter(100, 200))
	a.Use(middlewares.RequestLogger(logger))

	rooms := room.New(a.Sessions(), ws)
	if err := a.UsePlugin(rooms); err != nil {
		logger.Error("failed to initialize room plugin", "error", err)
		os.Exit(1)
	}

	registerHandlers(a, rooms)

	a.OnDisconnect(func(s *session.Session) {
		rooms.LeaveAll(s.ID())
	})

	if err := a.Run(cfg.Server.Addr); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("server started", "addr", cfg.Server.Addr, "qos", cfg.Reliable.Level)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func registerHandlers(a *app.App, rooms *room.Plugin) {
	api := a.API()

	a.Register("echo", func(req []byte, ctx *rpc.Context) {
		ctx.Reply(req)
	})

	a.Register("join", func(req []byte, ctx *rpc.Context) {
		rooms.Join(string(req), ctx.Session().ID())
	})

	a.Register("say", func(req []byte, ctx *rpc.Context) {
		// payload: "<room> <message>"
		parts := splitOnce(string(req), ' ')
		rooms.Broadcast(parts[0], []byte(parts[1]))
	})

	a.Register("whoami", func(req []byte, ctx *rpc.Context) {
		ctx.Reply([]byte(ctx.Session().ID()))
	})

	a.Register("set-name", func(req []byte, ctx *rpc.Context) {
		app.SetField(api, ctx.Session().ID(), "name", string(req), true)
	})
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "tint":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
