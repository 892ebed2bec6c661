package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stef9github/flowcore/types"
)

// newRedisStore connects to a local Redis or skips the test.
func newRedisStore(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr:         "localhost:6379",
		DB:           15,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		store.client.FlushDB(context.Background())
		store.Close()
	})
	store.client.FlushDB(context.Background())
	return store
}

func TestRedisStorageDefinitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)

	_, err := store.GetDefinition(ctx, 1)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	def := testDefinition(1)
	require.NoError(t, store.SaveDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.States, got.States)
	assert.Equal(t, def.Transitions, got.Transitions)
}

func TestRedisStorageCreateAndMutate(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.SaveDefinition(ctx, testDefinition(1)))

	err := store.CreateInstance(ctx, testInstance(99, 2), creationEntry(100, 99))
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	require.NoError(t, store.CreateInstance(ctx, testInstance(10, 1), creationEntry(100, 10)))

	def, err := store.GetDefinition(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), def.UsageCount)

	err = store.Mutate(ctx, 10, func(inst *types.Instance) (*types.HistoryEntry, error) {
		inst.CurrentState = "pending_review"
		return &types.HistoryEntry{ID: 101, InstanceID: 10, FromState: "draft", ToState: "pending_review", WasSuccessful: true, CreatedAt: 1101}, nil
	})
	require.NoError(t, err)

	inst, err := store.GetInstance(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "pending_review", inst.CurrentState)

	history, err := store.ListHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(101), history[0].ID)
}

func TestRedisStorageMutateLockContention(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.SaveDefinition(ctx, testDefinition(1)))
	require.NoError(t, store.CreateInstance(ctx, testInstance(10, 1), creationEntry(100, 10)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Mutate(ctx, 10, func(inst *types.Instance) (*types.HistoryEntry, error) {
			time.Sleep(100 * time.Millisecond)
			inst.ErrorCount++
			return &types.HistoryEntry{ID: 101, InstanceID: 10, CreatedAt: 1101}, nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	err := store.Mutate(ctx, 10, func(inst *types.Instance) (*types.HistoryEntry, error) {
		inst.ErrorCount++
		return &types.HistoryEntry{ID: 102, InstanceID: 10, CreatedAt: 1102}, nil
	})
	require.NoError(t, err)
	<-done

	inst, err := store.GetInstance(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.ErrorCount)
}

func TestRedisStorageListInstances(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	require.NoError(t, store.SaveDefinition(ctx, testDefinition(1)))

	for i := uint64(1); i <= 3; i++ {
		inst := testInstance(i, 1)
		if i == 3 {
			inst.AssignedTo = "bob"
		}
		require.NoError(t, store.CreateInstance(ctx, inst, creationEntry(100+i, i)))
	}

	alice, err := store.ListInstances(ctx, InstanceFilter{AssignedTo: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, uint64(2), alice[0].ID)
	assert.Equal(t, uint64(1), alice[1].ID)
}
