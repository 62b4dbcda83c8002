package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	created, err := store.Create(ctx, "boiler-1", map[string]interface{}{"temperature": 20.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.Metadata.CreatedAt.IsZero())

	s, err := store.Get(ctx, "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, s.Reported["temperature"])

	_, err = store.Create(ctx, "boiler-1", nil, nil)
	assert.ErrorIs(t, err, ErrShadowExists)

	_, err = store.Get(ctx, "no-such-device")
	assert.ErrorIs(t, err, ErrShadowNotFound)
}

func TestVersionIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	var versions []int64
	for i := 0; i < 5; i++ {
		s, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"cycle": float64(i)})
		require.NoError(t, err)
		versions = append(versions, s.Version)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions)
}

func TestLazyCreationOnFirstUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	s, err := store.UpdateDesired(ctx, "boiler-1", map[string]interface{}{"target_temperature": 90.0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, 90.0, s.Desired["target_temperature"])
	assert.Empty(t, s.Reported)
}

func TestSectionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 85.0, "mode": "eco"})
	require.NoError(t, err)
	s, err := store.UpdateDesired(ctx, "boiler-1", map[string]interface{}{"mode": "boost"})
	require.NoError(t, err)

	assert.Equal(t, "eco", s.Reported["mode"])
	assert.Equal(t, "boost", s.Desired["mode"])
	assert.Equal(t, 85.0, s.Reported["temperature"])
	assert.NotContains(t, s.Desired, "temperature")
}

func TestUpdateMergesInsteadOfReplacing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 85.0, "mode": "eco"})
	require.NoError(t, err)
	s, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 86.5})
	require.NoError(t, err)

	assert.Equal(t, 86.5, s.Reported["temperature"])
	assert.Equal(t, "eco", s.Reported["mode"])
}

func TestUpdateDesiredIfVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	s, err := store.UpdateDesired(ctx, "boiler-1", map[string]interface{}{"target_temperature": 90.0})
	require.NoError(t, err)

	_, err = store.UpdateDesiredIfVersion(ctx, "boiler-1", map[string]interface{}{"target_temperature": 95.0}, s.Version+1)
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, s.Version, conflict.Actual)

	s2, err := store.UpdateDesiredIfVersion(ctx, "boiler-1", map[string]interface{}{"target_temperature": 95.0}, s.Version)
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, s2.Version)
}

func TestReportedUpdatesAppendHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 124.6})
	require.NoError(t, err)
	_, err = store.UpdateDesired(ctx, "boiler-1", map[string]interface{}{"target_temperature": 120.0})
	require.NoError(t, err)
	s, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 118.2})
	require.NoError(t, err)

	// desired updates do not produce history entries
	require.Len(t, s.History, 2)
	assert.Equal(t, 124.6, s.History[0].Metrics["temperature"])
	assert.Equal(t, 118.2, s.History[1].Metrics["temperature"])
	assert.True(t, !s.History[1].Timestamp.Before(s.History[0].Timestamp))
}

func TestHistoryRetention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(&MemoryStoreBuilder{Retention: Retention{MaxEntries: 3}})

	var s *Shadow
	var err error
	for i := 0; i < 5; i++ {
		s, err = store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"cycle": float64(i)})
		require.NoError(t, err)
	}

	require.Len(t, s.History, 3)
	assert.Equal(t, 2.0, s.History[0].Metrics["cycle"])
	assert.Equal(t, 4.0, s.History[2].Metrics["cycle"])
	// retention never touches the version counter
	assert.Equal(t, int64(5), s.Version)
}

type recordingArchiver struct {
	mutex   sync.Mutex
	batches [][]HistoryEntry
	fail    bool
}

func (a *recordingArchiver) Archive(ctx context.Context, deviceID string, evicted []HistoryEntry) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.fail {
		return errors.New("bucket unavailable")
	}
	a.batches = append(a.batches, evicted)
	return nil
}

func TestEvictedHistoryIsArchived(t *testing.T) {
	ctx := context.Background()
	archiver := &recordingArchiver{}
	store := NewMemoryStore(&MemoryStoreBuilder{
		Retention: Retention{MaxEntries: 2},
		Archiver:  archiver,
	})

	for i := 0; i < 4; i++ {
		_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"cycle": float64(i)})
		require.NoError(t, err)
	}

	archiver.mutex.Lock()
	defer archiver.mutex.Unlock()
	require.Len(t, archiver.batches, 2)
	assert.Equal(t, 0.0, archiver.batches[0][0].Metrics["cycle"])
	assert.Equal(t, 1.0, archiver.batches[1][0].Metrics["cycle"])
}

func TestArchiverFailureDoesNotFailUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(&MemoryStoreBuilder{
		Retention: Retention{MaxEntries: 1},
		Archiver:  &recordingArchiver{fail: true},
	})

	var err error
	for i := 0; i < 3; i++ {
		_, err = store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"cycle": float64(i)})
		require.NoError(t, err)
	}
}

func TestCallbacksObserveVersionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	var mutex sync.Mutex
	versions := map[string][]int64{}
	store.RegisterOnChange(func(deviceID string, s *Shadow) {
		mutex.Lock()
		versions[deviceID] = append(versions[deviceID], s.Version)
		mutex.Unlock()
	})

	var wg sync.WaitGroup
	for _, device := range []string{"boiler-1", "boiler-2"} {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := store.UpdateReported(ctx, device, map[string]interface{}{"cycle": float64(i)})
				assert.NoError(t, err)
			}
		}(device)
	}
	wg.Wait()

	mutex.Lock()
	defer mutex.Unlock()
	for device, seen := range versions {
		require.Len(t, seen, 20, device)
		for i, v := range seen {
			assert.Equal(t, int64(i+1), v, device)
		}
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	var called int
	store.RegisterOnChange(func(deviceID string, s *Shadow) {
		panic("subscriber bug")
	})
	store.RegisterOnChange(func(deviceID string, s *Shadow) {
		called++
	})

	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 20.0})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestCallbackCannotMutateStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	store.RegisterOnChange(func(deviceID string, s *Shadow) {
		s.Reported["temperature"] = -1.0
	})
	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 20.0})
	require.NoError(t, err)

	s, err := store.Get(ctx, "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, s.Reported["temperature"])
}

func TestDeleteAndDevices(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, fmt.Sprintf("boiler-%d", i), nil, nil)
		require.NoError(t, err)
	}
	devices, err := store.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	require.NoError(t, store.Delete(ctx, "boiler-1"))
	assert.ErrorIs(t, store.Delete(ctx, "boiler-1"), ErrShadowNotFound)

	_, err = store.Get(ctx, "boiler-1")
	assert.ErrorIs(t, err, ErrShadowNotFound)
}

func TestEnsureShadow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	s, err := EnsureShadow(ctx, store, "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)

	// a second ensure returns the existing shadow untouched
	again, err := EnsureShadow(ctx, store, "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, s.Version, again.Version)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(&MemoryStoreBuilder{Retention: Retention{MaxAge: time.Hour}})
	store.now = func() time.Time { return now }

	_, err := store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 20.0})
	require.NoError(t, err)

	store.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, store.Compact(ctx, "boiler-1"))

	s, err := store.Get(ctx, "boiler-1")
	require.NoError(t, err)
	assert.Empty(t, s.History)
	assert.ErrorIs(t, store.Compact(ctx, "no-such-device"), ErrShadowNotFound)
}
