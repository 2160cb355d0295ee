package pgqm

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// Pool sizing environment variables.
const (
	envMaxConns        = "ASYA_MQ_PG_MAX_CONNS"
	envMinConns        = "ASYA_MQ_PG_MIN_CONNS"
	envMaxConnLifetime = "ASYA_MQ_PG_MAX_CONN_LIFETIME"
	envMaxConnIdleTime = "ASYA_MQ_PG_MAX_CONN_IDLE_TIME"
)

// newPool creates a connection pool for connString, sized from the environment.
func newPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = int32(getEnvInt(envMaxConns, 4))
	config.MinConns = int32(getEnvInt(envMinConns, 1))
	config.MaxConnLifetime = getEnvDuration(envMaxConnLifetime, time.Hour)
	config.MaxConnIdleTime = getEnvDuration(envMaxConnIdleTime, 30*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("PostgreSQL queue store connected",
		"maxConns", config.MaxConns,
		"minConns", config.MinConns,
		"maxConnLifetime", config.MaxConnLifetime,
		"maxConnIdleTime", config.MaxConnIdleTime)

	return pool, nil
}

// connString builds a postgres URL from connect params. The queue manager name selects the
// database.
func connString(params mq.ConnectParams) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   params.Host,
		Path:   "/" + params.QueueManagerName,
	}
	if params.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", params.Host, params.Port)
	}
	switch {
	case params.UserID != "" && params.Password != "":
		u.User = url.UserPassword(params.UserID, params.Password)
	case params.UserID != "":
		u.User = url.User(params.UserID)
	}
	if params.ChannelName != "" {
		u.RawQuery = url.Values{"application_name": {params.ChannelName}}.Encode()
	}
	return u.String()
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
