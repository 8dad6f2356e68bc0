package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/shopsync/internal/errors"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
)

// Product is a cached catalog entry.
type Product struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt int64           `json:"fetchedAt"`

	// Stale is set when the refresh failed and the cached copy is served.
	Stale bool `json:"stale"`
}

// GetProduct serves a product from the cache, refreshing it from the remote
// once it is older than the configured TTL. Concurrent refreshes of one
// product share a single remote call.
func (s *ShopService) GetProduct(ctx context.Context, id string) (*Product, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "product id is required")
	}

	cached, err := s.st.Get(ctx, models.EntityProduct, id)
	if errors.Is(err, store.ErrNotFound) {
		cached = nil
	} else if err != nil {
		return nil, storageError(err)
	}
	if cached != nil && s.fresh(cached) {
		return productOf(cached, false), nil
	}

	v, err, _ := s.products.Do(id, func() (interface{}, error) {
		return s.refreshProduct(ctx, id)
	})
	if err == nil {
		return v.(*Product), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("product %q not found", id), err)
	}
	if cached == nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncOffline, "product unavailable offline", err)
	}

	logging.Debug("Serving stale product", map[string]interface{}{
		"product_id": id,
		"error":      err.Error(),
	})
	return productOf(cached, true), nil
}

func (s *ShopService) fresh(rec *models.Record) bool {
	if s.config.ProductTTL <= 0 {
		return false
	}
	age := s.now().UnixMilli() - rec.UpdatedAt
	return age < s.config.ProductTTL.Milliseconds()
}

// refreshProduct fetches the product and caches it as a synced record.
// A product the remote no longer holds is dropped from the cache.
func (s *ShopService) refreshProduct(ctx context.Context, id string) (*Product, error) {
	if s.remote == nil || !s.online() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "device is offline")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	ent, err := s.remote.Fetch(callCtx, models.EntityProduct, id)
	cancel()
	if err != nil {
		return nil, err
	}

	key := models.Key(models.EntityProduct, id)
	unlock := s.locks.Lock(key)
	defer unlock()

	rec, err := s.st.Get(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return nil, err
	}
	if ent == nil && rec == nil {
		return nil, store.ErrNotFound
	}
	meta, err := s.st.GetMetadata(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID}
	} else if err != nil {
		return nil, err
	}

	version := meta.LocalVersion
	if rec != nil && rec.Version > version {
		version = rec.Version
	}
	version++
	now := s.now().UnixMilli()

	if ent == nil {
		if rec != nil {
			if err := s.st.Delete(ctx, key.Type, key.ID); err != nil {
				return nil, err
			}
		}
		meta.Deleted = true
	} else {
		next := &models.Record{
			EntityType: key.Type,
			EntityID:   key.ID,
			Payload:    ent.Payload,
			Version:    version,
			AddedAt:    now,
			UpdatedAt:  now,
		}
		if rec != nil {
			next.AddedAt = rec.AddedAt
		}
		if err := s.st.Put(ctx, next); err != nil {
			return nil, err
		}
		meta.Deleted = false
	}

	meta.Version = version
	meta.LocalVersion = version
	meta.ServerVersion = models.VersionOf(ent)
	meta.SyncStatus, meta.LastError = store.SettledStatus(s.st)
	meta.LastSyncedAt = now
	meta.UpdatedAt = now
	if err := s.st.PutMetadata(ctx, meta); err != nil {
		return nil, err
	}

	if ent == nil {
		return nil, store.ErrNotFound
	}
	return &Product{ID: id, Payload: ent.Payload, FetchedAt: now}, nil
}

func productOf(rec *models.Record, stale bool) *Product {
	return &Product{
		ID:        rec.EntityID,
		Payload:   rec.Payload,
		FetchedAt: rec.UpdatedAt,
		Stale:     stale,
	}
}
