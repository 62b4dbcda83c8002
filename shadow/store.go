package shadow

import (
	"context"
)

// OnChange is an in-process change-notification callback. Stores invoke it
// after a write has been durably committed, with a clone of the resulting
// shadow. A callback failure is logged and never rolls back the write.
type OnChange func(deviceID string, s *Shadow)

// Archiver receives history entries evicted by the retention policy, in
// chronological order. The postgres and memory stores call it best-effort;
// an archive failure does not fail the triggering write.
type Archiver interface {
	Archive(ctx context.Context, deviceID string, evicted []HistoryEntry) error
}

// Store is the durable, versioned shadow store.
//
// Writes to the same device are serialized, writes to different devices
// proceed independently. Every successful mutation increments the version
// by exactly one and fires the registered change callbacks.
type Store interface {
	// Get returns the current shadow or ErrShadowNotFound.
	Get(ctx context.Context, deviceID string) (*Shadow, error)

	// Devices lists all device ids that have a shadow.
	Devices(ctx context.Context) ([]string, error)

	// Create initializes a new shadow at version 1. It returns
	// ErrShadowExists if the device already has one.
	Create(ctx context.Context, deviceID string, reported, desired map[string]interface{}) (*Shadow, error)

	// UpdateReported merges the partial document into the reported state,
	// appends a history entry and increments the version. If no shadow
	// exists yet, one is created implicitly.
	UpdateReported(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error)

	// UpdateDesired merges the partial document into the desired state and
	// increments the version. Desired-state changes fire the change
	// callbacks too, they represent commands in flight.
	UpdateDesired(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error)

	// UpdateDesiredIfVersion is the optimistic-concurrency variant of
	// UpdateDesired. It fails with a VersionConflictError if the current
	// version does not match expectedVersion.
	UpdateDesiredIfVersion(ctx context.Context, deviceID string, partial map[string]interface{}, expectedVersion int64) (*Shadow, error)

	// Compact enforces the retention policy on the device's history
	// without touching the live documents or the version.
	Compact(ctx context.Context, deviceID string) error

	// Delete removes a shadow entirely. This is a privileged admin
	// capability, never part of the steady-state path.
	Delete(ctx context.Context, deviceID string) error

	// RegisterOnChange subscribes an in-process change listener.
	RegisterOnChange(fn OnChange)
}

// EnsureShadow guarantees that a shadow exists for the given device. It is
// the helper used by admin sweeps over the device inventory: Get, then
// Create on not-found.
func EnsureShadow(ctx context.Context, store Store, deviceID string) (*Shadow, error) {
	s, err := store.Get(ctx, deviceID)
	if err == nil {
		return s, nil
	}
	if err != ErrShadowNotFound {
		return nil, err
	}
	s, err = store.Create(ctx, deviceID, nil, nil)
	if err == ErrShadowExists {
		// lost the race against the device's first message
		return store.Get(ctx, deviceID)
	}
	return s, err
}
