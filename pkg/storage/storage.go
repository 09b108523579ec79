package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/redsync/redsync/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers treat it as "nothing persisted yet", not as a failure.
var ErrNotFound = errors.New("record not found")

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Session
	GetToken(ctx context.Context) (types.Token, error)
	SetToken(ctx context.Context, token types.Token) error
	DeleteToken(ctx context.Context) error

	// Snapshots are the last-known-good published set, keyed by
	// propertyID/serviceType.
	GetSnapshots(ctx context.Context) (map[string]types.UsageSnapshot, error)
	SetSnapshots(ctx context.Context, snapshots map[string]types.UsageSnapshot) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "bolt", "Storage provider to use (available: bolt)")

	var p struct{ Database }

	b := configuredBolt()

	lflag.Do(func() {
		switch *provider {
		case "bolt":
			if err := b.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("bolt init failed: %v", err))
			}
			p.Database = b
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
