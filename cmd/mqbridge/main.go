package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/api"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/config"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/connection"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mcp"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/messaging"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/metrics"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq/amqpqm"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq/memqm"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq/pgqm"
	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq/sqsqm"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("ASYA_MQ_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	slog.SetDefault(newLogger(os.Stderr, os.Getenv("ASYA_LOG_FORMAT"), os.Getenv("ASYA_LOG_LEVEL")))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", cfg.Server.Addr, "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, ln); err != nil {
		slog.Error("Bridge stopped with errors", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. format is json or text (default json); level is
// debug, info, warn or error (default info).
func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// newDialer selects the queue manager backend.
func newDialer(cfg *config.Config) (mq.Dialer, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		var opts []memqm.Option
		if cfg.QueueManager.User != "" {
			opts = append(opts, memqm.WithCredentials(cfg.QueueManager.User, cfg.QueueManager.Password))
		}
		return memqm.New(cfg.QueueManager.Name, opts...), nil
	case config.TransportRabbitMQ:
		return amqpqm.NewDialer(amqpqm.Config{
			URL:           cfg.RabbitMQ.URL,
			VHost:         cfg.RabbitMQ.VHost,
			PoolSize:      cfg.RabbitMQ.PoolSize,
			DialRetries:   cfg.RabbitMQ.DialRetries,
			DeclareQueues: cfg.RabbitMQ.DeclareQueues,
		}), nil
	case config.TransportSQS:
		return sqsqm.NewDialer(sqsqm.Config{
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
		}), nil
	case config.TransportPostgres:
		return pgqm.NewDialer(pgqm.Config{
			DSN:        cfg.Postgres.DSN,
			Migrate:    cfg.Postgres.Migrate,
			AutoDefine: cfg.Postgres.AutoDefine,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// run wires the bridge and serves on ln until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics("mqbridge")
	conns := connection.NewManager(dialer, cfg.ConnectParams(), m)

	// A failed initial connect is not fatal; operations reconnect on demand.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Messaging.OperationTimeout)
	conns.Connect(connectCtx)
	cancel()

	svc := messaging.NewService(conns, messaging.Options{
		OperationTimeout: cfg.Messaging.OperationTimeout,
		CloseTimeout:     cfg.Messaging.CloseTimeout,
		BrowseWait:       cfg.Messaging.BrowseWait,
		MaxMessageLength: cfg.Messaging.MaxMessageLength,
	}, m)

	opts := []api.Option{
		api.WithSession(conns),
		api.WithMetrics(m.Handler()),
		api.WithMaxBodySize(int64(cfg.Messaging.MaxMessageLength)),
	}
	if cfg.Server.EnableMCP {
		opts = append(opts, api.WithHandler("/mcp", mcp.NewServer(svc, version).Handler()))
	}

	slog.Info("Starting asya-mqbridge",
		"version", version,
		"transport", cfg.Transport,
		"qmgr", cfg.QueueManager.Name,
		"mcp", cfg.Server.EnableMCP)

	var result *multierror.Error
	if err := api.NewServer(svc, opts...).Serve(ctx, ln, cfg.Server.MaxConns, cfg.Server.ShutdownTimeout); err != nil {
		result = multierror.Append(result, err)
	}

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.WithoutCancel(ctx), cfg.Messaging.CloseTimeout)
	defer cancelDisconnect()
	conns.Disconnect(disconnectCtx)
	if err := disconnectCtx.Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("disconnect did not finish within %s: %w", cfg.Messaging.CloseTimeout, err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	slog.Info("asya-mqbridge stopped")
	return nil
}
