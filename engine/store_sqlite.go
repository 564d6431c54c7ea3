package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteRow is the JSON-serializable body of an instance record kept in
// the `body` blob column; the scalar columns (instance_id, function_name,
// execute_after, is_completed, version, lease_owner, lease_expires_at)
// are duplicated as real columns so GetReadyCandidates can be answered
// with an indexed SQL query instead of deserializing every row, grounded
// on flow/state_store.go's SQLiteStateStore.
type sqliteRow struct {
	Input            []byte              `json:"input"`
	ParentInstanceID string              `json:"parent_instance_id,omitempty"`
	Kind             InstanceKind        `json:"kind,omitempty"`
	History          []HistoryEntry      `json:"history"`
	EventQueues      map[string][][]byte `json:"event_queues,omitempty"`
	AwaitedEvents    []AwaitedEvent      `json:"awaited_events,omitempty"`
	CompletedResult  []byte              `json:"completed_result,omitempty"`
	CompletedError   *Failure            `json:"completed_error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// SQLiteStore is a database/sql + mattn/go-sqlite3-backed Store.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore ensures the schema exists on db and returns a Store
// backed by it. table defaults to "instances".
func NewSQLiteStore(db *sql.DB, table string) (*SQLiteStore, error) {
	if table == "" {
		table = "instances"
	}
	s := &SQLiteStore{db: db, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT PRIMARY KEY,
		function_name TEXT NOT NULL,
		execute_after TEXT NOT NULL,
		is_completed INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_expires_at TEXT,
		updated_at TEXT NOT NULL,
		body TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return NewStorageError("ensure schema", err)
	}

	idx1 := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ready ON %s (is_completed, execute_after)`, s.table, s.table)
	idx2 := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lease ON %s (lease_owner, lease_expires_at)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx1); err != nil {
		return NewStorageError("create ready index", err)
	}
	if _, err := s.db.ExecContext(ctx, idx2); err != nil {
		return NewStorageError("create lease index", err)
	}
	return nil
}

func encodeRow(inst *Instance) ([]byte, error) {
	body := sqliteRow{
		Input:            inst.Input,
		ParentInstanceID: inst.ParentInstanceID,
		Kind:             inst.Kind,
		History:          inst.History,
		EventQueues:      inst.EventQueues,
		AwaitedEvents:    inst.AwaitedEvents,
		CompletedResult:  inst.CompletedResult,
		CompletedError:   inst.CompletedError,
		CreatedAt:        inst.CreatedAt,
	}
	return json.Marshal(body)
}

func decodeRow(instanceID, functionName string, executeAfter time.Time, isCompleted bool, version int64, leaseOwner string, leaseExpiresAt sql.NullString, updatedAt time.Time, rawBody []byte) (*Instance, error) {
	var body sqliteRow
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, NewStorageError("decode instance body", err)
	}

	inst := &Instance{
		InstanceID:       instanceID,
		FunctionName:     functionName,
		Input:            body.Input,
		ParentInstanceID: body.ParentInstanceID,
		Kind:             body.Kind,
		ExecuteAfter:     executeAfter,
		History:          body.History,
		EventQueues:      body.EventQueues,
		AwaitedEvents:    body.AwaitedEvents,
		IsCompleted:      isCompleted,
		CompletedResult:  body.CompletedResult,
		CompletedError:   body.CompletedError,
		Version:          version,
		LeaseOwner:       leaseOwner,
		CreatedAt:        body.CreatedAt,
		UpdatedAt:        updatedAt,
	}
	if leaseExpiresAt.Valid && leaseExpiresAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, leaseExpiresAt.String)
		if err == nil {
			inst.LeaseExpiresAt = t
		}
	}
	return inst, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, inst *Instance, expectedVersion int64) error {
	body, err := encodeRow(inst)
	if err != nil {
		return NewStorageError("encode instance body", err)
	}

	now := time.Now().UTC()
	var leaseExpires any
	if inst.HasLease() {
		leaseExpires = inst.LeaseExpiresAt.Format(time.RFC3339Nano)
	}

	if expectedVersion < 0 {
		stmt := fmt.Sprintf(`INSERT INTO %s
			(instance_id, function_name, execute_after, is_completed, version, lease_owner, lease_expires_at, updated_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(instance_id) DO UPDATE SET
				function_name=excluded.function_name, execute_after=excluded.execute_after,
				is_completed=excluded.is_completed, version=excluded.version,
				lease_owner=excluded.lease_owner, lease_expires_at=excluded.lease_expires_at,
				updated_at=excluded.updated_at, body=excluded.body`, s.table)
		_, err := s.db.ExecContext(ctx, stmt, inst.InstanceID, inst.FunctionName, inst.ExecuteAfter.Format(time.RFC3339Nano),
			boolToInt(inst.IsCompleted), inst.Version, inst.LeaseOwner, leaseExpires, now.Format(time.RFC3339Nano), string(body))
		if err != nil {
			return NewStorageError("insert instance", err)
		}
		return nil
	}

	stmt := fmt.Sprintf(`UPDATE %s SET
		function_name=?, execute_after=?, is_completed=?, version=?,
		lease_owner=?, lease_expires_at=?, updated_at=?, body=?
		WHERE instance_id=? AND version=?`, s.table)
	res, err := s.db.ExecContext(ctx, stmt, inst.FunctionName, inst.ExecuteAfter.Format(time.RFC3339Nano),
		boolToInt(inst.IsCompleted), inst.Version, inst.LeaseOwner, leaseExpires, now.Format(time.RFC3339Nano),
		string(body), inst.InstanceID, expectedVersion)
	if err != nil {
		return NewStorageError("update instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NewStorageError("check update result", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, instanceID string) (*Instance, error) {
	stmt := fmt.Sprintf(`SELECT instance_id, function_name, execute_after, is_completed, version, lease_owner, lease_expires_at, updated_at, body
		FROM %s WHERE instance_id = ?`, s.table)
	row := s.db.QueryRowContext(ctx, stmt, instanceID)

	var (
		id, fn, execAfterStr, updatedAtStr, bodyStr string
		isCompletedInt                              int
		version                                     int64
		leaseOwner                                  sql.NullString
		leaseExpires                                sql.NullString
	)
	if err := row.Scan(&id, &fn, &execAfterStr, &isCompletedInt, &version, &leaseOwner, &leaseExpires, &updatedAtStr, &bodyStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInstanceNotFound
		}
		return nil, NewStorageError("query instance", err)
	}

	execAfter, _ := time.Parse(time.RFC3339Nano, execAfterStr)
	updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)

	return decodeRow(id, fn, execAfter, isCompletedInt != 0, version, leaseOwner.String, leaseExpires, updatedAt, []byte(bodyStr))
}

func (s *SQLiteStore) GetState(ctx context.Context, instanceID string) (*Instance, error) {
	return s.queryOne(ctx, instanceID)
}

func (s *SQLiteStore) GetFullState(ctx context.Context, instanceID, expectedLeaseOwner string) (*Instance, error) {
	inst, err := s.queryOne(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.LeaseOwner != expectedLeaseOwner {
		return nil, ErrLeaseConflict
	}
	return inst, nil
}

func (s *SQLiteStore) GetReadyCandidates(ctx context.Context, now time.Time, max int) ([]Candidate, error) {
	stmt := fmt.Sprintf(`SELECT instance_id, function_name, execute_after, version, lease_owner, lease_expires_at
		FROM %s
		WHERE is_completed = 0 AND execute_after <= ?
		AND (lease_owner IS NULL OR lease_owner = '' OR lease_expires_at <= ?)
		ORDER BY execute_after ASC
		LIMIT ?`, s.table)

	limit := max
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, stmt, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, NewStorageError("query ready candidates", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			id, fn, execAfterStr string
			version              int64
			leaseOwner           sql.NullString
			leaseExpires         sql.NullString
		)
		if err := rows.Scan(&id, &fn, &execAfterStr, &version, &leaseOwner, &leaseExpires); err != nil {
			return nil, NewStorageError("scan ready candidate", err)
		}
		execAfter, _ := time.Parse(time.RFC3339Nano, execAfterStr)
		c := Candidate{InstanceID: id, FunctionName: fn, ExecuteAfter: execAfter, Version: version, LeaseOwner: leaseOwner.String}
		if leaseExpires.Valid && leaseExpires.String != "" {
			t, _ := time.Parse(time.RFC3339Nano, leaseExpires.String)
			c.LeaseExpiresAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryClaimLease(ctx context.Context, instanceID, hostID string, duration time.Duration) (bool, int64, error) {
	inst, err := s.queryOne(ctx, instanceID)
	if err != nil {
		return false, 0, err
	}

	now := time.Now().UTC()
	if inst.HasLease() && inst.LeaseExpiresAt.After(now) {
		return false, inst.Version, nil
	}

	stmt := fmt.Sprintf(`UPDATE %s SET lease_owner=?, lease_expires_at=?, version=version+1, updated_at=?
		WHERE instance_id=? AND version=?`, s.table)
	res, err := s.db.ExecContext(ctx, stmt, hostID, now.Add(duration).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), instanceID, inst.Version)
	if err != nil {
		return false, 0, NewStorageError("claim lease", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, inst.Version, nil
	}
	return true, inst.Version + 1, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, hostID string, duration time.Duration, expectedVersion int64) (bool, error) {
	now := time.Now().UTC()
	stmt := fmt.Sprintf(`UPDATE %s SET lease_expires_at=?, version=version+1, updated_at=?
		WHERE instance_id=? AND lease_owner=? AND version=?`, s.table)
	res, err := s.db.ExecContext(ctx, stmt, now.Add(duration).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), instanceID, hostID, expectedVersion)
	if err != nil {
		return false, NewStorageError("renew lease", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, hostID string, expectedVersion int64) (bool, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET lease_owner=NULL, lease_expires_at=NULL, version=version+1, updated_at=?
		WHERE instance_id=? AND lease_owner=? AND version=?`, s.table)
	res, err := s.db.ExecContext(ctx, stmt, time.Now().UTC().Format(time.RFC3339Nano), instanceID, hostID, expectedVersion)
	if err != nil {
		return false, NewStorageError("release lease", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ApplyWorkSet(ctx context.Context, instanceID string, expectedVersion int64, ws WorkSet) error {
	inst, err := s.queryOne(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Version != expectedVersion {
		return ErrVersionConflict
	}
	if inst.IsCompleted {
		return nil
	}

	applyWorkSetLocked(inst, ws)
	inst.Version++
	return s.SaveState(ctx, inst, expectedVersion)
}

func (s *SQLiteStore) RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) error {
	inst, err := s.queryOne(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.IsCompleted {
		return nil
	}

	if waiterIdx := earliestWaiterIndex(inst, eventName); waiterIdx >= 0 {
		waiter := inst.AwaitedEvents[waiterIdx]
		inst.AwaitedEvents = append(inst.AwaitedEvents[:waiterIdx], inst.AwaitedEvents[waiterIdx+1:]...)
		for i := range inst.History {
			if inst.History[i].ChildInstanceID == waiter.ChildInstanceID {
				inst.History[i].Status = HistorySucceeded
				inst.History[i].Result = payload
				inst.History[i].CompletedAt = time.Now().UTC()
				break
			}
		}
		inst.ExecuteAfter = time.Now().UTC()
	} else {
		if inst.EventQueues == nil {
			inst.EventQueues = make(map[string][][]byte)
		}
		inst.EventQueues[eventName] = append(inst.EventQueues[eventName], payload)
	}

	expected := inst.Version
	inst.Version++
	return s.SaveState(ctx, inst, expected)
}

func (s *SQLiteStore) Terminate(ctx context.Context, instanceID, reason string) error {
	inst, err := s.queryOne(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.IsCompleted {
		return nil
	}
	inst.IsCompleted = true
	inst.CompletedError = NewTerminationFailure(reason)
	expected := inst.Version
	inst.Version++
	return s.SaveState(ctx, inst, expected)
}

func (s *SQLiteStore) Purge(ctx context.Context, instanceID string, cascade bool) (int, error) {
	var childIDs []string
	if cascade {
		stmt := fmt.Sprintf(`SELECT instance_id, body FROM %s`, s.table)
		rows, err := s.db.QueryContext(ctx, stmt)
		if err != nil {
			return 0, NewStorageError("scan for children", err)
		}
		for rows.Next() {
			var id, body string
			if err := rows.Scan(&id, &body); err != nil {
				rows.Close()
				return 0, NewStorageError("scan child row", err)
			}
			var b sqliteRow
			if json.Unmarshal([]byte(body), &b) == nil && b.ParentInstanceID == instanceID {
				childIDs = append(childIDs, id)
			}
		}
		rows.Close()
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.table)
	res, err := s.db.ExecContext(ctx, del, instanceID)
	if err != nil {
		return 0, NewStorageError("delete instance", err)
	}
	n, _ := res.RowsAffected()
	count := int(n)

	for _, childID := range childIDs {
		sub, err := s.Purge(ctx, childID, true)
		if err != nil {
			return count, err
		}
		count += sub
	}

	return count, nil
}

func (s *SQLiteStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	list, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	stmt := fmt.Sprintf(`SELECT instance_id, function_name, execute_after, is_completed, version, lease_owner, lease_expires_at, updated_at, body
		FROM %s ORDER BY updated_at ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, NewStorageError("list instances", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var (
			id, fn, execAfterStr, updatedAtStr, bodyStr string
			isCompletedInt                              int
			version                                     int64
			leaseOwner                                  sql.NullString
			leaseExpires                                sql.NullString
		)
		if err := rows.Scan(&id, &fn, &execAfterStr, &isCompletedInt, &version, &leaseOwner, &leaseExpires, &updatedAtStr, &bodyStr); err != nil {
			return nil, NewStorageError("scan instance", err)
		}
		execAfter, _ := time.Parse(time.RFC3339Nano, execAfterStr)
		updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
		inst, err := decodeRow(id, fn, execAfter, isCompletedInt != 0, version, leaseOwner.String, leaseExpires, updatedAt, []byte(bodyStr))
		if err != nil {
			return nil, err
		}

		if filter.FunctionName != "" && inst.FunctionName != filter.FunctionName {
			continue
		}
		if filter.Status != "" && inst.Status() != filter.Status {
			continue
		}
		if !filter.CreatedAfter.IsZero() && inst.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && inst.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		out = append(out, inst)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
