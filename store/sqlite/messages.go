package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

// InsertMessage inserts m; on a (instance_id, chat_name, fingerprint)
// unique-key collision it silently drops the insert and returns
// inserted=false, matching the ingest spec's dedup contract.
func (d *DB) InsertMessage(ctx context.Context, m *model.Message) (int64, bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO message (message_id, instance_id, chat_name, sender, sender_remark, content,
			message_type, create_time, fingerprint, processed, delivery_status, delivery_time,
			platform_id, reply_content, reply_status, reply_time, retry_count, last_error, next_retry_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, '', '', 0, 0, 0, '', 0)
		ON CONFLICT(instance_id, chat_name, fingerprint) DO NOTHING`,
		m.MessageID, m.InstanceID, m.ChatName, m.Sender, m.SenderRemark, m.Content,
		string(m.MessageType), m.CreateTime, m.Fingerprint)
	if err != nil {
		return 0, false, errors.Wrap(err, "insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, errors.Wrap(err, "last insert id")
	}
	return id, true, nil
}

const messageColumns = `id, message_id, instance_id, chat_name, sender, sender_remark, content,
	message_type, create_time, fingerprint, processed, delivery_status, delivery_time,
	platform_id, reply_content, reply_status, reply_time, retry_count, last_error, next_retry_time`

func (d *DB) ListUnprocessed(ctx context.Context, limit int) ([]*model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM message WHERE processed=0 AND next_retry_time <= ? ORDER BY create_time ASC LIMIT ?`,
		nowUnix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed")
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (d *DB) ListUnprocessedByChat(ctx context.Context, instanceID, chatName string, limit int) ([]*model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM message WHERE processed=0 AND instance_id=? AND chat_name=? ORDER BY create_time ASC LIMIT ?`,
		instanceID, chatName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed by chat")
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (d *DB) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message WHERE id=?`, id)
	return scanMessage(row)
}

// MarkDelivered finalizes one or more message rows (a merged unit shares
// its outcome across all member ids) as processed with the given
// delivery/reply outcome.
func (d *DB) MarkDelivered(ctx context.Context, ids []int64, status model.DeliveryStatus, platformID, replyContent string, replyStatus model.ReplyStatus, now int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+6)
	args = append(args, boolToInt(true), int(status), now, platformID, replyContent, int(replyStatus), now)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := `UPDATE message SET processed=?, delivery_status=?, delivery_time=?, platform_id=?,
		reply_content=?, reply_status=?, reply_time=? WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	_, err := d.db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "mark delivered")
}

func (d *DB) RecordRetry(ctx context.Context, id int64, lastError string, nextRetryTime int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE message SET retry_count = retry_count + 1, last_error=?, next_retry_time=? WHERE id=?`,
		lastError, nextRetryTime, id)
	return errors.Wrap(err, "record retry")
}

func (d *DB) MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE message SET processed=1, delivery_status=2, last_error=?, delivery_time=? WHERE id=?`,
		lastError, nowUnix(), id)
	return errors.Wrap(err, "mark delivery failed")
}

func scanMessage(row *sql.Row) (*model.Message, error) {
	var m model.Message
	var msgType string
	var processed int
	err := row.Scan(&m.ID, &m.MessageID, &m.InstanceID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.Content,
		&msgType, &m.CreateTime, &m.Fingerprint, &processed, &m.DeliveryStatus, &m.DeliveryTime,
		&m.PlatformID, &m.ReplyContent, &m.ReplyStatus, &m.ReplyTime, &m.RetryCount, &m.LastError, &m.NextRetryTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	m.MessageType = model.MessageType(msgType)
	m.Processed = processed != 0
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var msgType string
		var processed int
		if err := rows.Scan(&m.ID, &m.MessageID, &m.InstanceID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.Content,
			&msgType, &m.CreateTime, &m.Fingerprint, &processed, &m.DeliveryStatus, &m.DeliveryTime,
			&m.PlatformID, &m.ReplyContent, &m.ReplyStatus, &m.ReplyTime, &m.RetryCount, &m.LastError, &m.NextRetryTime); err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		m.MessageType = model.MessageType(msgType)
		m.Processed = processed != 0
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}
