package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kimhsiao/shopsync/internal/logging"
)

// Open returns the durable SQLite store for dataDir when it passes a
// write/read probe. Otherwise it logs the failure once and returns a
// degraded in-memory store, so callers always get a usable Store.
func Open(ctx context.Context, dataDir string) Store {
	st, err := openDurable(ctx, dataDir)
	if err == nil {
		return st
	}

	logging.ErrorWithCode("Durable storage unavailable, running degraded", "STORAGE_DEGRADED", err,
		map[string]interface{}{"data_dir": dataDir})
	return NewDegradedStore(err)
}

func openDurable(ctx context.Context, dataDir string) (*SQLiteStore, error) {
	st, err := OpenSQLite(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	if err := probe(ctx, st); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// probe writes a setting and reads it back.
func probe(ctx context.Context, st Store) error {
	want := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := st.PutSetting(ctx, SettingProbe, want); err != nil {
		return fmt.Errorf("storage probe write: %w", err)
	}
	got, ok, err := st.GetSetting(ctx, SettingProbe)
	if err != nil {
		return fmt.Errorf("storage probe read: %w", err)
	}
	if !ok || got != want {
		return fmt.Errorf("storage probe read back %q, want %q", got, want)
	}
	return nil
}
