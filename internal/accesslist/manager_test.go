package accesslist

import (
	"context"
	"errors"
	"testing"
	"time"

	"adaptive-limiter/internal/domain"
	"adaptive-limiter/internal/logger"
	"adaptive-limiter/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unavailableStore simula o storage fora do ar nas operações de hash
type unavailableStore struct {
	domain.SharedStore
}

func (unavailableStore) HashSet(context.Context, string, string, string) error {
	return domain.ErrStoreUnavailable
}

func (unavailableStore) HashDelete(context.Context, string, string) error {
	return domain.ErrStoreUnavailable
}

func (unavailableStore) HashGetAll(context.Context, string) (map[string]string, error) {
	return nil, domain.ErrStoreUnavailable
}

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage(logger.NopLogger{})
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, logger.NopLogger{}, time.Second), store
}

func TestManager_AddDenyIsIdempotent(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.AddDeny(ctx, "203.0.113.7", "scanner"))
	first := manager.Entries(domain.DenyList)

	require.NoError(t, manager.AddDeny(ctx, "203.0.113.7", "another reason"))
	second := manager.Entries(domain.DenyList)

	assert.Equal(t, first, second)
	assert.True(t, manager.IsDenied("203.0.113.7"))
	require.Len(t, second, 1)
	assert.Equal(t, "scanner", second[0].Reason)

	persisted, err := store.HashGetAll(ctx, DenyListKey)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
	assert.Contains(t, persisted["203.0.113.7"], "scanner")
}

func TestManager_RemoveAbsentIsNoop(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.AddDeny(ctx, "203.0.113.7", "scanner"))
	require.NoError(t, manager.RemoveDeny(ctx, "198.51.100.1"))

	deny, allow := manager.Sizes()
	assert.Equal(t, 1, deny)
	assert.Equal(t, 0, allow)

	require.NoError(t, manager.RemoveDeny(ctx, "203.0.113.7"))
	assert.False(t, manager.IsDenied("203.0.113.7"))
	require.NoError(t, manager.RemoveDeny(ctx, "203.0.113.7"))
}

func TestManager_AllowList(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.AddAllow(ctx, "10.0.0.5", "monitoring"))
	assert.True(t, manager.IsAllowed("10.0.0.5"))
	assert.False(t, manager.IsDenied("10.0.0.5"))

	require.NoError(t, manager.RemoveAllow(ctx, "10.0.0.5"))
	assert.False(t, manager.IsAllowed("10.0.0.5"))
}

func TestManager_InvalidIP(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"add deny", func() error { return manager.AddDeny(ctx, "not-an-ip", "") }},
		{"remove deny", func() error { return manager.RemoveDeny(ctx, "") }},
		{"add allow", func() error { return manager.AddAllow(ctx, "999.1.1.1", "") }},
		{"remove allow", func() error { return manager.RemoveAllow(ctx, "abc") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.call(), domain.ErrInvalidIP))
		})
	}
}

func TestManager_NormalizesIP(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.AddDeny(ctx, " 2001:DB8::1 ", ""))
	assert.True(t, manager.IsDenied("2001:db8::1"))
}

func TestManager_LoadSeedsAndPersisted(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()

	// Entrada gravada por outra instância
	other := NewManager(store, logger.NopLogger{}, time.Second)
	require.NoError(t, other.AddDeny(ctx, "198.51.100.9", "persisted"))

	require.NoError(t, manager.Load(ctx, []string{"203.0.113.1", "bogus"}, []string{"10.0.0.1"}))

	assert.True(t, manager.IsDenied("203.0.113.1"))
	assert.True(t, manager.IsDenied("198.51.100.9"))
	assert.True(t, manager.IsAllowed("10.0.0.1"))

	deny, allow := manager.Sizes()
	assert.Equal(t, 2, deny)
	assert.Equal(t, 1, allow)
}

func TestManager_SyncPropagatesChanges(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.Load(ctx, []string{"203.0.113.1"}, nil))

	other := NewManager(store, logger.NopLogger{}, time.Second)
	require.NoError(t, other.AddDeny(ctx, "198.51.100.9", "from other instance"))
	assert.False(t, manager.IsDenied("198.51.100.9"))

	require.NoError(t, manager.Sync(ctx))
	assert.True(t, manager.IsDenied("198.51.100.9"))
	assert.True(t, manager.IsDenied("203.0.113.1"), "configuration seeds survive sync")

	// Seed removido em runtime não volta no próximo sync
	require.NoError(t, manager.RemoveDeny(ctx, "203.0.113.1"))
	require.NoError(t, manager.Sync(ctx))
	assert.False(t, manager.IsDenied("203.0.113.1"))
}

func TestManager_StoreUnavailable(t *testing.T) {
	manager := NewManager(unavailableStore{}, logger.NopLogger{}, time.Second)
	ctx := context.Background()

	err := manager.Load(ctx, []string{"203.0.113.1"}, nil)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.True(t, manager.IsDenied("203.0.113.1"), "seeds stay in memory")

	err = manager.AddDeny(ctx, "198.51.100.1", "x")
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.False(t, manager.IsDenied("198.51.100.1"), "failed write does not change memory")

	err = manager.RemoveDeny(ctx, "203.0.113.1")
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
	assert.True(t, manager.IsDenied("203.0.113.1"))
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
