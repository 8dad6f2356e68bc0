package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
)

// LegacyImportResult summarizes one ImportLegacy run.
type LegacyImportResult struct {
	AlreadyCompleted bool `json:"alreadyCompleted"`
	Cart             int  `json:"cart"`
	Wishlist         int  `json:"wishlist"`
	Preferences      int  `json:"preferences"`
	Skipped          int  `json:"skipped"` // keys that already had a record
}

// Imported returns the number of records created.
func (r *LegacyImportResult) Imported() int {
	return r.Cart + r.Wishlist + r.Preferences
}

// legacyFile is the flat key/value document written by older clients.
// Each value is either raw JSON or a JSON string holding JSON.
type legacyFile struct {
	Cart        json.RawMessage `json:"cart"`
	Wishlist    json.RawMessage `json:"wishlist"`
	Preferences json.RawMessage `json:"preferences"`
}

type legacyWishlistEntry struct {
	ProductID string
}

func (e *legacyWishlistEntry) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		e.ProductID = id
		return nil
	}
	var entry models.WishlistEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	e.ProductID = entry.ProductID
	return nil
}

// ImportLegacy imports cart, wishlist and preferences from a legacy flat
// key/value file exactly once. Keys that already hold a record or sync
// metadata are left alone. A missing file counts as an empty import. A
// malformed file fails without marking the import complete.
func ImportLegacy(ctx context.Context, st Store, locks *KeyLocks, path string) (*LegacyImportResult, error) {
	done, _, err := st.GetSetting(ctx, SettingLegacyImportCompleted)
	if err != nil {
		return nil, fmt.Errorf("read legacy import flag: %w", err)
	}
	if done == "true" {
		return &LegacyImportResult{AlreadyCompleted: true}, nil
	}

	result := &LegacyImportResult{}
	var data []byte
	if path != "" {
		data, err = os.ReadFile(path)
	}
	switch {
	case path == "" || errors.Is(err, os.ErrNotExist):
		logging.Info("No legacy storage to import", map[string]interface{}{"path": path})
	case err != nil:
		return nil, fmt.Errorf("read legacy file: %w", err)
	default:
		var file legacyFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse legacy file: %w", err)
		}
		if err := importLegacyFile(ctx, st, locks, &file, result); err != nil {
			return nil, err
		}
	}

	if err := st.PutSetting(ctx, SettingLegacyImportCompleted, "true"); err != nil {
		return nil, fmt.Errorf("mark legacy import complete: %w", err)
	}
	logging.Info("Legacy import completed", map[string]interface{}{
		"cart":        result.Cart,
		"wishlist":    result.Wishlist,
		"preferences": result.Preferences,
		"skipped":     result.Skipped,
	})
	return result, nil
}

func importLegacyFile(ctx context.Context, st Store, locks *KeyLocks, file *legacyFile, result *LegacyImportResult) error {
	var cart []models.CartLine
	if err := decodeLegacyValue(file.Cart, &cart); err != nil {
		return fmt.Errorf("parse legacy cart: %w", err)
	}
	var wishlist []legacyWishlistEntry
	if err := decodeLegacyValue(file.Wishlist, &wishlist); err != nil {
		return fmt.Errorf("parse legacy wishlist: %w", err)
	}
	var prefs map[string]json.RawMessage
	if err := decodeLegacyValue(file.Preferences, &prefs); err != nil {
		return fmt.Errorf("parse legacy preferences: %w", err)
	}

	for _, line := range cart {
		if line.ProductID == "" || line.Quantity <= 0 {
			continue
		}
		payload, err := json.Marshal(line)
		if err != nil {
			return err
		}
		created, err := importRecord(ctx, st, locks, models.EntityCart, line.ProductID, payload)
		if err != nil {
			return err
		}
		countImport(result, &result.Cart, created)
	}

	for _, entry := range wishlist {
		if entry.ProductID == "" {
			continue
		}
		payload, err := json.Marshal(models.WishlistEntry{ProductID: entry.ProductID})
		if err != nil {
			return err
		}
		created, err := importRecord(ctx, st, locks, models.EntityWishlist, entry.ProductID, payload)
		if err != nil {
			return err
		}
		countImport(result, &result.Wishlist, created)
	}

	for key, value := range prefs {
		created, err := importRecord(ctx, st, locks, models.EntityPreference, key, value)
		if err != nil {
			return err
		}
		countImport(result, &result.Preferences, created)
	}
	return nil
}

func countImport(result *LegacyImportResult, counter *int, created bool) {
	if created {
		*counter++
	} else {
		result.Skipped++
	}
}

// decodeLegacyValue unmarshals raw into v, unwrapping one level of JSON
// string encoding. An absent or null value leaves v untouched.
func decodeLegacyValue(raw json.RawMessage, v interface{}) error {
	if models.IsNull(raw) {
		return nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if encoded == "" {
			return nil
		}
		raw = json.RawMessage(encoded)
	}
	return json.Unmarshal(raw, v)
}

func importRecord(ctx context.Context, st Store, locks *KeyLocks, t models.EntityType, id string, payload json.RawMessage) (bool, error) {
	unlock := locks.Lock(models.Key(t, id))
	defer unlock()

	if _, err := st.Get(ctx, t, id); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	// Tracked keys without a record were deleted here or on the server.
	if _, err := st.GetMetadata(ctx, t, id); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	now := time.Now().UnixMilli()
	rec := &models.Record{
		EntityType: t,
		EntityID:   id,
		Payload:    payload,
		Version:    1,
		AddedAt:    now,
		UpdatedAt:  now,
	}
	if err := st.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("import %s: %w", rec.Key(), err)
	}

	status, lastError := PendingStatus(st)
	meta := &models.SyncMetadata{
		EntityType:   t,
		EntityID:     id,
		LocalVersion: 1,
		SyncStatus:   status,
		LastError:    lastError,
		UpdatedAt:    now,
	}
	if err := st.PutMetadata(ctx, meta); err != nil {
		return false, fmt.Errorf("import metadata %s: %w", rec.Key(), err)
	}
	return true, nil
}
