package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/hydronix-io/shadowd/core/csql"
	"github.com/hydronix-io/shadowd/core/logger"
)

// PostgresStore is the durable shadow store. Shadows live in the
// schema-scoped system tables "_shadow_" and "_shadow_history_".
//
// Writes to one device are serialized through a row lock; an additional
// in-process keyed mutex keeps the change callbacks in version order.
type PostgresStore struct {
	db        *csql.DB
	retention Retention
	archiver  Archiver

	mutex sync.Mutex
	locks map[string]*sync.Mutex

	callbackMutex sync.RWMutex
	callbacks     []OnChange

	now func() time.Time
}

// PostgresStoreBuilder is a builder helper for the PostgresStore.
type PostgresStoreBuilder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Retention is the history retention policy. Optional, defaults to
	// DefaultRetention.
	Retention Retention
	// Archiver receives evicted history entries. Optional.
	Archiver Archiver
}

// MustNewPostgresStore returns a new postgres-backed shadow store. It
// creates the shadow tables if they do not exist yet.
func MustNewPostgresStore(b *PostgresStoreBuilder) *PostgresStore {
	if b.DB == nil {
		panic("DB is missing")
	}
	retention := b.Retention
	if retention.MaxEntries == 0 && retention.MaxAge == 0 {
		retention = DefaultRetention
	}
	s := &PostgresStore{
		db:        b.DB,
		retention: retention,
		archiver:  b.Archiver,
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.createTablesIfNotExist()
	return s
}

func (p *PostgresStore) createTablesIfNotExist() {
	// poor man's database migrations
	_, err := p.db.Exec(`CREATE table IF NOT EXISTS ` + p.db.Schema + `."_shadow_"
(device_id varchar NOT NULL,
reported json NOT NULL,
desired json NOT NULL,
version bigint NOT NULL,
created_at timestamp NOT NULL,
last_updated timestamp NOT NULL,
PRIMARY KEY(device_id)
);
CREATE table IF NOT EXISTS ` + p.db.Schema + `."_shadow_history_"
(device_id varchar NOT NULL,
timestamp timestamp NOT NULL,
state json NOT NULL,
metrics json NOT NULL
);
CREATE index IF NOT EXISTS "_shadow_history_device_ts_" ON ` + p.db.Schema + `."_shadow_history_"(device_id, timestamp);`)

	if err != nil {
		panic(err)
	}
}

func (p *PostgresStore) deviceLock(deviceID string) *sync.Mutex {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	lock, ok := p.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[deviceID] = lock
	}
	return lock
}

// Get returns the current shadow or ErrShadowNotFound.
func (p *PostgresStore) Get(ctx context.Context, deviceID string) (*Shadow, error) {
	var (
		reported, desired json.RawMessage
		s                 Shadow
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT reported,desired,version,created_at,last_updated FROM `+p.db.Schema+`."_shadow_" WHERE device_id=$1;`,
		deviceID).Scan(&reported, &desired, &s.Version, &s.Metadata.CreatedAt, &s.Metadata.LastUpdated)
	if err == csql.ErrNoRows {
		return nil, ErrShadowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read shadow for device %s: %w", deviceID, err)
	}
	s.DeviceID = deviceID
	if err := json.Unmarshal(reported, &s.Reported); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &s.Desired); err != nil {
		return nil, err
	}
	s.History, err = p.history(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// history reads the retained history window, oldest first.
func (p *PostgresStore) history(ctx context.Context, deviceID string) ([]HistoryEntry, error) {
	query := `SELECT timestamp,state,metrics FROM ` + p.db.Schema + `."_shadow_history_" WHERE device_id=$1`
	args := []interface{}{deviceID}
	if p.retention.MaxAge > 0 {
		query += ` AND timestamp>=$2`
		args = append(args, p.now().Add(-p.retention.MaxAge))
	}
	query += ` ORDER BY timestamp;`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e              HistoryEntry
			state, metrics json.RawMessage
		)
		if err := rows.Scan(&e.Timestamp, &state, &metrics); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(state, &e.State); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metrics, &e.Metrics); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if p.retention.MaxEntries > 0 && len(entries) > p.retention.MaxEntries {
		entries = entries[len(entries)-p.retention.MaxEntries:]
	}
	return entries, rows.Err()
}

// Devices lists all device ids that have a shadow.
func (p *PostgresStore) Devices(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT device_id FROM `+p.db.Schema+`."_shadow_" ORDER BY device_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Create initializes a new shadow at version 1.
func (p *PostgresStore) Create(ctx context.Context, deviceID string, reported, desired map[string]interface{}) (*Shadow, error) {
	lock := p.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	now := p.now()
	reportedJSON, _ := json.Marshal(merge(nil, reported))
	desiredJSON, _ := json.Marshal(merge(nil, desired))

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."_shadow_"(device_id,reported,desired,version,created_at,last_updated)
VALUES($1,$2,$3,1,$4,$4) ON CONFLICT (device_id) DO NOTHING;`,
		deviceID, reportedJSON, desiredJSON, now)
	if err != nil {
		return nil, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrShadowExists
	}
	s := &Shadow{
		DeviceID: deviceID,
		Reported: merge(nil, reported),
		Desired:  merge(nil, desired),
		Version:  1,
		Metadata: Metadata{CreatedAt: now, LastUpdated: now},
	}
	p.notify(ctx, deviceID, s)
	return s, nil
}

// UpdateReported merges the partial document into the reported state.
func (p *PostgresStore) UpdateReported(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error) {
	return p.update(ctx, deviceID, SectionReported, partial, -1)
}

// UpdateDesired merges the partial document into the desired state.
func (p *PostgresStore) UpdateDesired(ctx context.Context, deviceID string, partial map[string]interface{}) (*Shadow, error) {
	return p.update(ctx, deviceID, SectionDesired, partial, -1)
}

// UpdateDesiredIfVersion updates the desired state only if the current
// version matches expectedVersion.
func (p *PostgresStore) UpdateDesiredIfVersion(ctx context.Context, deviceID string, partial map[string]interface{}, expectedVersion int64) (*Shadow, error) {
	return p.update(ctx, deviceID, SectionDesired, partial, expectedVersion)
}

func (p *PostgresStore) update(ctx context.Context, deviceID string, section Section, partial map[string]interface{}, expectedVersion int64) (*Shadow, error) {
	lock := p.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	now := p.now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// lazy creation on first update, then lock the row
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."_shadow_"(device_id,reported,desired,version,created_at,last_updated)
VALUES($1,'{}','{}',0,$2,$2) ON CONFLICT (device_id) DO NOTHING;`,
		deviceID, now)
	if err != nil {
		return nil, err
	}

	var (
		reported, desired json.RawMessage
		s                 Shadow
	)
	err = tx.QueryRowContext(ctx,
		`SELECT reported,desired,version,created_at FROM `+p.db.Schema+`."_shadow_" WHERE device_id=$1 FOR UPDATE;`,
		deviceID).Scan(&reported, &desired, &s.Version, &s.Metadata.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.DeviceID = deviceID
	if err := json.Unmarshal(reported, &s.Reported); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &s.Desired); err != nil {
		return nil, err
	}
	if expectedVersion >= 0 && s.Version != expectedVersion {
		return nil, &VersionConflictError{DeviceID: deviceID, Expected: expectedVersion, Actual: s.Version}
	}

	switch section {
	case SectionReported:
		s.Reported = merge(s.Reported, partial)
	case SectionDesired:
		s.Desired = merge(s.Desired, partial)
	default:
		return nil, NewValidationError("unknown shadow section %q", section)
	}
	s.Version++
	s.Metadata.LastUpdated = now

	reportedJSON, _ := json.Marshal(s.Reported)
	desiredJSON, _ := json.Marshal(s.Desired)
	_, err = tx.ExecContext(ctx,
		`UPDATE `+p.db.Schema+`."_shadow_" SET reported=$2,desired=$3,version=$4,last_updated=$5 WHERE device_id=$1;`,
		deviceID, reportedJSON, desiredJSON, s.Version, now)
	if err != nil {
		return nil, err
	}

	var evicted []HistoryEntry
	if section == SectionReported {
		stateJSON := reportedJSON
		metricsJSON, _ := json.Marshal(metricsOf(s.Reported))
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+p.db.Schema+`."_shadow_history_"(device_id,timestamp,state,metrics) VALUES($1,$2,$3,$4);`,
			deviceID, now, stateJSON, metricsJSON)
		if err != nil {
			return nil, err
		}
		evicted, err = p.evictHistory(ctx, tx, deviceID, now)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	if s.History, err = p.history(ctx, deviceID); err != nil {
		// the write is committed; an incomplete snapshot is still a snapshot
		logger.FromContext(ctx).WithError(err).Warnln("cannot read history for device", deviceID)
		err = nil
	}
	p.archiveEvicted(ctx, deviceID, evicted)
	p.notify(ctx, deviceID, &s)
	return &s, nil
}

// evictHistory removes entries outside the retention window and returns the
// removed ones, oldest first.
func (p *PostgresStore) evictHistory(ctx context.Context, tx *sql.Tx, deviceID string, now time.Time) ([]HistoryEntry, error) {
	query := `DELETE FROM ` + p.db.Schema + `."_shadow_history_" WHERE device_id=$1 AND (false`
	args := []interface{}{deviceID}
	if p.retention.MaxAge > 0 {
		args = append(args, now.Add(-p.retention.MaxAge))
		query += fmt.Sprintf(` OR timestamp<$%d`, len(args))
	}
	if p.retention.MaxEntries > 0 {
		// everything older than the MaxEntries-th newest entry goes
		args = append(args, p.retention.MaxEntries-1)
		query += fmt.Sprintf(` OR timestamp<(SELECT timestamp FROM `+p.db.Schema+`."_shadow_history_" WHERE device_id=$1 ORDER BY timestamp DESC OFFSET $%d LIMIT 1)`, len(args))
	}
	query += `) RETURNING timestamp,state,metrics;`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evicted []HistoryEntry
	for rows.Next() {
		var (
			e              HistoryEntry
			state, metrics json.RawMessage
		)
		if err := rows.Scan(&e.Timestamp, &state, &metrics); err != nil {
			return nil, err
		}
		json.Unmarshal(state, &e.State)
		json.Unmarshal(metrics, &e.Metrics)
		evicted = insertHistory(evicted, e)
	}
	return evicted, rows.Err()
}

// Compact enforces the retention policy on the device's history.
func (p *PostgresStore) Compact(ctx context.Context, deviceID string) error {
	lock := p.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	evicted, err := p.evictHistory(ctx, tx, deviceID, p.now())
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	p.archiveEvicted(ctx, deviceID, evicted)
	return nil
}

// Delete removes a shadow and its history entirely.
func (p *PostgresStore) Delete(ctx context.Context, deviceID string) error {
	lock := p.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."_shadow_" WHERE device_id=$1;`, deviceID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrShadowNotFound
	}
	_, err = p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."_shadow_history_" WHERE device_id=$1;`, deviceID)
	return err
}

// RegisterOnChange subscribes an in-process change listener.
func (p *PostgresStore) RegisterOnChange(fn OnChange) {
	p.callbackMutex.Lock()
	defer p.callbackMutex.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

func (p *PostgresStore) notify(ctx context.Context, deviceID string, s *Shadow) {
	p.callbackMutex.RLock()
	callbacks := p.callbacks
	p.callbackMutex.RUnlock()
	for _, fn := range callbacks {
		if err := callWithPanicEnvelope(fn, deviceID, s.Clone()); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("shadow change callback failed for device", deviceID)
		}
	}
}

func (p *PostgresStore) archiveEvicted(ctx context.Context, deviceID string, evicted []HistoryEntry) {
	if p.archiver == nil || len(evicted) == 0 {
		return
	}
	if err := p.archiver.Archive(ctx, deviceID, evicted); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("history archival failed for device", deviceID)
	}
}
