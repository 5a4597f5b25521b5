package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported sql driver")
	ErrApplyMigrations   = errors.New("failed to apply migrations")
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenSQL opens and pings a database for one of the supported drivers.
func OpenSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if _, err := gooseDialect(driver); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite serialises writers; one connection also keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, driver string, log logrus.FieldLogger) error {
	dialect, err := gooseDialect(driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: log})
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}
	return nil
}

func gooseDialect(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "sqlite3", nil
	case DriverPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// rebind rewrites "?" placeholders into "$n" for postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type gooseLogger struct {
	log logrus.FieldLogger
}

func (g *gooseLogger) Printf(format string, args ...interface{}) {
	g.log.Infof(strings.TrimSpace(format), args...)
}

func (g *gooseLogger) Fatalf(format string, args ...interface{}) {
	// goose also returns the error; exiting here would skip shutdown.
	g.log.Errorf(strings.TrimSpace(format), args...)
}
