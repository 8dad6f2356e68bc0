package events

import (
	"context"
	"strconv"

	"github.com/kimhsiao/shopsync/internal/store"
)

// Status is the snapshot shown to observers.
type Status struct {
	IsSyncing     bool   `json:"isSyncing"`
	LastSyncTime  *int64 `json:"lastSyncTime"`
	PendingCount  int    `json:"pendingCount"`
	ConflictCount int    `json:"conflictCount"`
	ErrorCount    int    `json:"errorCount"`
	SyncProgress  int    `json:"syncProgress"`
}

// StatusSource is the slice of the store a snapshot reads from.
type StatusSource interface {
	Stats(ctx context.Context) (store.Stats, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Cycle is the live state of the sync engine.
type Cycle struct {
	Syncing  bool
	Progress int
}

// Snapshot recomputes the status from the store tables. Nothing here is
// cached between calls.
func Snapshot(ctx context.Context, src StatusSource, cycle Cycle) (Status, error) {
	stats, err := src.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		IsSyncing:     cycle.Syncing,
		PendingCount:  stats.UnsyncedItems + stats.PendingMetadata,
		ConflictCount: stats.PendingConflicts,
		ErrorCount:    stats.ErrorMetadata + stats.FailedItems,
		SyncProgress:  cycle.Progress,
	}

	raw, ok, err := src.GetSetting(ctx, store.SettingLastSyncTime)
	if err != nil {
		return Status{}, err
	}
	if ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			status.LastSyncTime = &ms
		}
	}
	return status, nil
}
