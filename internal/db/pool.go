package db

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NewDBPoolParams struct {
	DBHost         string
	DBPort         string
	DBName         string
	DBUser         string
	DBPassword     string
	MaxConns       int
	TracingEnabled bool
}

// NewDBPool creates a bounded connection pool; queries beyond MaxConns
// queue on pool acquire instead of failing right away.
func NewDBPool(ctx context.Context, params NewDBPoolParams) (*pgxpool.Pool, error) {
	userInfo := params.DBUser
	if params.DBPassword != "" {
		userInfo = fmt.Sprintf("%s:%s", params.DBUser, params.DBPassword)
	}
	connString := fmt.Sprintf(
		"postgres://%s@%s:%s/%s",
		userInfo, params.DBHost, params.DBPort, params.DBName,
	)
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	if params.MaxConns > 0 {
		poolConfig.MaxConns = int32(params.MaxConns)
	}

	if params.TracingEnabled {
		poolConfig.ConnConfig.Tracer = otelpgx.NewTracer()
	}

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	return db, nil
}
