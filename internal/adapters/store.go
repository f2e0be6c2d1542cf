// Package adapters wires configured drivers to their port implementations.
package adapters

import (
	"context"
	"fmt"

	"github.com/manthysbr/browserq/internal/adapters/duckdb"
	"github.com/manthysbr/browserq/internal/adapters/postgres"
	"github.com/manthysbr/browserq/internal/adapters/sqlite"
	"github.com/manthysbr/browserq/internal/core/ports"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// OpenStore opens the job store for driver. dsn is a file path for sqlite
// and duckdb, a connection URL for postgres.
func OpenStore(ctx context.Context, driver, dsn string) (ports.Store, error) {
	var (
		s   ports.Store
		err error
	)
	switch driver {
	case DriverSQLite:
		s, err = sqlite.Open(ctx, dsn)
	case DriverPostgres:
		s, err = postgres.Open(ctx, dsn)
	case DriverDuckDB:
		s, err = duckdb.NewRepository(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SharedAcrossProcesses reports whether several worker processes may open
// the same store.
func SharedAcrossProcesses(driver string) bool {
	return driver != DriverDuckDB
}
