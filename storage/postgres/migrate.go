package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrMigrationFailed is returned when the schema cannot be brought up to date.
var ErrMigrationFailed = errors.New("failed to apply migrations")

// Migrate applies the embedded schema migrations through goose.
// goose speaks database/sql, so the pgx pool is bridged with stdlib.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger billing.Logger) error {
	if pool == nil {
		return errors.Join(ErrMigrationFailed, fmt.Errorf("nil pool"))
	}
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			logger.Error("failed to close migration connection", billing.Field{Key: "error", Value: err.Error()})
		}
	}(db)

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}
	return nil
}

// gooseLogger routes goose output through the billing logger.
type gooseLogger struct {
	log billing.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Info(fmt.Sprintf(format, v...))
}
