package testutils

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/whizbang-go/whizbang/session"
	pgxsession "github.com/krew-solutions/whizbang-go/whizbang/session/pgx"
)

// NewPgxSessionPool connects to the development database described by
// the DB_* environment variables. Integration tests skip themselves
// when the returned error is not nil.
func NewPgxSessionPool() (session.SessionPool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		getEnv("DB_USERNAME", "devel"),
		getEnv("DB_PASSWORD", "devel"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_DATABASE", "devel_whizbang"),
	)

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to reach test database")
	}

	return pgxsession.NewSessionPool(pool), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
