package market

import "context"

// SnapshotProvider supplies the per-cycle market view. Implementations wrap
// exchange/collector APIs; the trading core depends only on this interface.
type SnapshotProvider interface {
	// Snapshot returns the current candidate pool and per-symbol data.
	Snapshot(ctx context.Context) (*Snapshot, error)
}
