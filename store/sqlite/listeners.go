package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

// UpsertListener inserts or updates a listener row by its natural key.
func (d *DB) UpsertListener(ctx context.Context, l *model.Listener) error {
	now := time.Now().Unix()
	if l.CreatedTs == 0 {
		l.CreatedTs = now
	}
	l.UpdatedTs = now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO listener (instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, chat_name) DO UPDATE SET
			status=excluded.status,
			last_message_time=excluded.last_message_time,
			manual_added=excluded.manual_added,
			fixed=excluded.fixed,
			updated_ts=excluded.updated_ts`,
		l.InstanceID, l.ChatName, string(l.Status), l.LastMessageTime,
		boolToInt(l.ManualAdded), boolToInt(l.Fixed), l.CreatedTs, l.UpdatedTs)
	return errors.Wrap(err, "upsert listener")
}

func (d *DB) GetListener(ctx context.Context, key model.ListenerKey) (*model.Listener, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=? AND chat_name=?`, key.InstanceID, key.ChatName)
	return scanListener(row)
}

func (d *DB) ListListenersByInstance(ctx context.Context, instanceID string) ([]*model.Listener, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=? ORDER BY last_message_time DESC`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "list listeners")
	}
	defer rows.Close()
	return scanListeners(rows)
}

func (d *DB) ListActiveListeners(ctx context.Context, instanceID string) ([]*model.Listener, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=? AND status='active' ORDER BY last_message_time DESC`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "list active listeners")
	}
	defer rows.Close()
	return scanListeners(rows)
}

func (d *DB) SetListenerStatus(ctx context.Context, key model.ListenerKey, status model.ListenerStatus) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE listener SET status=?, updated_ts=? WHERE instance_id=? AND chat_name=?`,
		string(status), time.Now().Unix(), key.InstanceID, key.ChatName)
	return errors.Wrap(err, "set listener status")
}

func (d *DB) UpdateListenerLastMessageTime(ctx context.Context, key model.ListenerKey, ts int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE listener SET last_message_time=?, updated_ts=? WHERE instance_id=? AND chat_name=?`,
		ts, time.Now().Unix(), key.InstanceID, key.ChatName)
	return errors.Wrap(err, "update listener last message time")
}

func (d *DB) DeleteListener(ctx context.Context, key model.ListenerKey) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM listener WHERE instance_id=? AND chat_name=?`,
		key.InstanceID, key.ChatName)
	return errors.Wrap(err, "delete listener")
}

func scanListener(row *sql.Row) (*model.Listener, error) {
	var l model.Listener
	var status string
	var manual, fixed int
	err := row.Scan(&l.InstanceID, &l.ChatName, &status, &l.LastMessageTime, &manual, &fixed, &l.CreatedTs, &l.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan listener")
	}
	l.Status = model.ListenerStatus(status)
	l.ManualAdded, l.Fixed = manual != 0, fixed != 0
	return &l, nil
}

func scanListeners(rows *sql.Rows) ([]*model.Listener, error) {
	var out []*model.Listener
	for rows.Next() {
		var l model.Listener
		var status string
		var manual, fixed int
		if err := rows.Scan(&l.InstanceID, &l.ChatName, &status, &l.LastMessageTime, &manual, &fixed, &l.CreatedTs, &l.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan listener row")
		}
		l.Status = model.ListenerStatus(status)
		l.ManualAdded, l.Fixed = manual != 0, fixed != 0
		out = append(out, &l)
	}
	return out, errors.Wrap(rows.Err(), "iterate listeners")
}
