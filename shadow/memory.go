package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hydronix-io/shadowd/core/logger"
)

// MemoryStore is an in-process shadow store. It is used by the development
// mode of the service and by unit tests; durability lives in the postgres
// store.
type MemoryStore struct {
	mutex   sync.Mutex
	shadows map[string]*Shadow
	locks   map[string]*sync.Mutex

	retention Retention
	archiver  Archiver

	callbackMutex sync.RWMutex
	callbacks     []OnChange

	now func() time.Time
}

// MemoryStoreBuilder is a builder helper for the MemoryStore.
type MemoryStoreBuilder struct {
	// Retention is the history retention policy. Optional, defaults to
	// DefaultRetention.
	Retention Retention
	// Archiver receives evicted history entries. Optional.
	Archiver Archiver
}

// NewMemoryStore returns a new in-process shadow store.
func NewMemoryStore(b *MemoryStoreBuilder) *MemoryStore {
	if b == nil {
		b = &MemoryStoreBuilder{}
	}
	retention := b.Retention
	if retention.MaxEntries == 0 && retention.MaxAge == 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		shadows:   make(map[string]*Shadow),
		locks:     make(map[string]*sync.Mutex),
		retention: retention,
		archiver:  b.Archiver,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// deviceLock returns the mutex serializing writes for one device.
func (m *MemoryStore) deviceLock(deviceID string) *sync.Mutex {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	lock, ok := m.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[deviceID] = lock
	}
	return lock
}

func (m *MemoryStore) get(deviceID string) (*Shadow, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.shadows[deviceID]
	return s, ok
}

func (m *MemoryStore) put(s *Shadow) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.shadows[s.DeviceID] = s
}

// Get returns the current shadow or ErrShadowNotFound.
func (m *MemoryStore) Get(ctx context.Context, deviceID string) (*Shadow, error) {
	s, ok := m.get(deviceID)
	if !ok {
		return nil, ErrShadowNotFound
	}
	return s.Clone(), nil
}

// Devices lists all device ids that have a shadow.
func (m *MemoryStore) Devices(ctx context.Context) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ids := make([]string, 0, len(m.shadows))
	for id := range m.shadows {
		ids = append(ids, id)
	}
	return ids, nil
}

// Create initializes a new shadow at version 1.
func (m *MemoryStore) Create(ctx context.Context, deviceID string, reported, desired map[string]interface{}) (*Shadow, error) {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := m.get(deviceID); ok {
		return nil, ErrShadowExists
	}
	now := m.now()
	s := &Shadow{
		DeviceID: deviceID,
		Reported: merge(nil, reported),
		Desired:  merge(nil, desired),
		Version:  1,
		Metadata: Metadata{CreatedAt: now, LastUpdated: now},
	}
	m.put(s)
	m.notify(ctx, deviceID, s)
	return s.Clone(), nil
}

// UpdateReported merges the partial document into the reported state.
func (m *MemoryStore) UpdateReported(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error) {
	return m.update(ctx, deviceID, SectionReported, partial, -1)
}

// UpdateDesired merges the partial document into the desired state.
func (m *MemoryStore) UpdateDesired(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error) {
	return m.update(ctx, deviceID, SectionDesired, partial, -1)
}

// UpdateDesiredIfVersion updates the desired state only if the current
// version matches expectedVersion.
func (m *MemoryStore) UpdateDesiredIfVersion(ctx context.Context, deviceID string, partial map[string]interface{}, expectedVersion int64) (*Shadow, error) {
	return m.update(ctx, deviceID, SectionDesired, partial, expectedVersion)
}

func (m *MemoryStore) update(ctx context.Context, deviceID string, section Section, partial map[string]interface{}, expectedVersion int64) (*Shadow, error) {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	s, ok := m.get(deviceID)
	if !ok {
		// lazy creation on first update
		s = &Shadow{
			DeviceID: deviceID,
			Reported: map[string]interface{}{},
			Desired:  map[string]interface{}{},
			Metadata: Metadata{CreatedAt: now},
		}
	}
	if expectedVersion >= 0 && s.Version != expectedVersion {
		return nil, &VersionConflictError{DeviceID: deviceID, Expected: expectedVersion, Actual: s.Version}
	}

	next := s.Clone()
	if next.Reported == nil {
		next.Reported = map[string]interface{}{}
	}
	if next.Desired == nil {
		next.Desired = map[string]interface{}{}
	}
	switch section {
	case SectionReported:
		next.Reported = merge(next.Reported, partial)
		entry := HistoryEntry{
			Timestamp: now,
			State:     cloneFields(next.Reported),
			Metrics:   metricsOf(next.Reported),
		}
		next.History = insertHistory(next.History, entry)
	case SectionDesired:
		next.Desired = merge(next.Desired, partial)
	default:
		return nil, NewValidationError("unknown shadow section %q", section)
	}
	next.Version = s.Version + 1
	next.Metadata.LastUpdated = now

	var evicted []HistoryEntry
	next.History, evicted = applyRetention(next.History, m.retention, now)

	m.put(next)
	m.archive(ctx, deviceID, evicted)
	m.notify(ctx, deviceID, next)
	return next.Clone(), nil
}

// Compact enforces the retention policy on the device's history.
func (m *MemoryStore) Compact(ctx context.Context, deviceID string) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	s, ok := m.get(deviceID)
	if !ok {
		return ErrShadowNotFound
	}
	next := s.Clone()
	var evicted []HistoryEntry
	next.History, evicted = applyRetention(next.History, m.retention, m.now())
	if len(evicted) == 0 {
		return nil
	}
	m.put(next)
	m.archive(ctx, deviceID, evicted)
	return nil
}

// Delete removes a shadow entirely.
func (m *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	lock := m.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.shadows[deviceID]; !ok {
		return ErrShadowNotFound
	}
	delete(m.shadows, deviceID)
	return nil
}

// RegisterOnChange subscribes an in-process change listener.
func (m *MemoryStore) RegisterOnChange(fn OnChange) {
	m.callbackMutex.Lock()
	defer m.callbackMutex.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// notify runs the change callbacks while still holding the device lock, so
// that broadcasts for one device observe the version order of the writes
// that produced them.
func (m *MemoryStore) notify(ctx context.Context, deviceID string, s *Shadow) {
	m.callbackMutex.RLock()
	callbacks := m.callbacks
	m.callbackMutex.RUnlock()
	for _, fn := range callbacks {
		if err := callWithPanicEnvelope(fn, deviceID, s.Clone()); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("shadow change callback failed for device", deviceID)
		}
	}
}

func (m *MemoryStore) archive(ctx context.Context, deviceID string, evicted []HistoryEntry) {
	if m.archiver == nil || len(evicted) == 0 {
		return
	}
	if err := m.archiver.Archive(ctx, deviceID, evicted); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("history archival failed for device", deviceID)
	}
}

func callWithPanicEnvelope(fn OnChange, deviceID string, s *Shadow) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	fn(deviceID, s)
	return
}
