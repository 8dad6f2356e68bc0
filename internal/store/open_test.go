package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shopsync/internal/models"
)

func TestOpen_durable(t *testing.T) {
	st := Open(context.Background(), t.TempDir())
	defer st.Close()

	assert.Equal(t, ModeDurable, st.Mode())
	_, ok := st.(*SQLiteStore)
	assert.True(t, ok)
}

func TestOpen_degradedFallback(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	st := Open(context.Background(), filepath.Join(file, "data"))
	defer st.Close()

	assert.Equal(t, ModeDegraded, st.Mode())
	mem, ok := st.(*MemoryStore)
	require.True(t, ok)
	assert.Error(t, mem.Reason())

	// The degraded store still accepts writes.
	require.NoError(t, st.Put(context.Background(), cartRecord("42", 1, 1)))
}

func TestKeyLocks_serializesSameKey(t *testing.T) {
	locks := NewKeyLocks()
	key := models.Key(models.EntityCart, "42")

	unlock := locks.Lock(key)
	acquired := make(chan struct{})
	go func() {
		u := locks.Lock(key)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the key was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired")
	}
}

func TestKeyLocks_independentKeys(t *testing.T) {
	locks := NewKeyLocks()
	unlockA := locks.Lock(models.Key(models.EntityCart, "a"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		locks.Lock(models.Key(models.EntityCart, "b"))()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyLocks_entriesReleased(t *testing.T) {
	locks := NewKeyLocks()
	key := models.Key(models.EntityWishlist, "1")

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			counter++
			unlock()
			unlock() // double unlock is harmless
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.Len())
}
