package repositories

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"messaging-core/internal/db"
)

// Drivers understood by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
)

// Options selects and configures a storage driver.
type Options struct {
	Driver      string
	PostgresDSN string
	PebblePath  string
}

// Open builds the Store for the configured driver.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		conn, err := db.Connect(ctx, opts.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(conn), nil
	case DriverPebble:
		return OpenPebbleStore(opts.PebblePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
