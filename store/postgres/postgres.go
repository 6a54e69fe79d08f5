// Package postgres implements store.Driver over PostgreSQL for multi-node
// and higher-durability deployments, mirroring the sqlite driver's schema
// and query shapes so the two stay behaviorally interchangeable. Grounded
// on the teacher's dual-driver store package, adapted to github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/store"
)

// DB is the postgres-backed store.Driver.
type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open db with dsn %s", dsn)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: sqlDB}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instance (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listener (
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		status TEXT NOT NULL,
		last_message_time BIGINT NOT NULL DEFAULT 0,
		manual_added BOOLEAN NOT NULL DEFAULT FALSE,
		fixed BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		PRIMARY KEY (instance_id, chat_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listener_status_lastmsg ON listener(status, last_message_time DESC)`,
	`CREATE TABLE IF NOT EXISTS message (
		id BIGSERIAL PRIMARY KEY,
		message_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		chat_name TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_remark TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL,
		create_time BIGINT NOT NULL,
		fingerprint TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		delivery_status INTEGER NOT NULL DEFAULT 0,
		delivery_time BIGINT NOT NULL DEFAULT 0,
		platform_id TEXT NOT NULL DEFAULT '',
		reply_content TEXT NOT NULL DEFAULT '',
		reply_status INTEGER NOT NULL DEFAULT 0,
		reply_time BIGINT NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_time BIGINT NOT NULL DEFAULT 0,
		UNIQUE(instance_id, chat_name, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_processed_createtime ON message(processed, create_time)`,
	`CREATE INDEX IF NOT EXISTS idx_message_chat ON message(instance_id, chat_name, create_time)`,
	`CREATE TABLE IF NOT EXISTS platform (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rule (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		instance_selector TEXT NOT NULL,
		chat_pattern TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		only_at_messages BOOLEAN NOT NULL DEFAULT FALSE,
		at_name TEXT NOT NULL DEFAULT '',
		reply_at_sender BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fixed_listener (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS accounting_record (
		id BIGSERIAL PRIMARY KEY,
		platform_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount DOUBLE PRECISION,
		category TEXT NOT NULL DEFAULT '',
		account_book_id TEXT NOT NULL DEFAULT '',
		account_book_name TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT NOT NULL DEFAULT '',
		processing_ms BIGINT NOT NULL DEFAULT 0,
		create_time BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback()
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "apply schema statement: %s", stmt)
		}
	}
	return errors.Wrap(tx.Commit(), "commit migration")
}

func (d *DB) Close() error { return d.db.Close() }

var _ store.Driver = (*DB)(nil)

func nowUnix() int64 { return time.Now().Unix() }

// --- instances ---

func (d *DB) CreateInstance(ctx context.Context, in *model.Instance) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := nowUnix()
	in.CreatedTs, in.UpdatedTs = now, now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO instance (id, name, base_url, api_key, enabled, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.Name, in.BaseURL, in.APIKey, in.Enabled, in.CreatedTs, in.UpdatedTs)
	return errors.Wrap(err, "insert instance")
}

func (d *DB) UpdateInstance(ctx context.Context, in *model.Instance) error {
	in.UpdatedTs = nowUnix()
	_, err := d.db.ExecContext(ctx, `
		UPDATE instance SET name=$1, base_url=$2, api_key=$3, enabled=$4, updated_ts=$5 WHERE id=$6`,
		in.Name, in.BaseURL, in.APIKey, in.Enabled, in.UpdatedTs, in.ID)
	return errors.Wrap(err, "update instance")
}

func (d *DB) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts FROM instance WHERE id=$1`, id)
	var in model.Instance
	err := row.Scan(&in.ID, &in.Name, &in.BaseURL, &in.APIKey, &in.Enabled, &in.CreatedTs, &in.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &in, errors.Wrap(err, "scan instance")
}

func (d *DB) ListInstances(ctx context.Context) ([]*model.Instance, error) {
	return d.listInstances(ctx, `SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts FROM instance ORDER BY created_ts`)
}

func (d *DB) ListEnabledInstances(ctx context.Context) ([]*model.Instance, error) {
	return d.listInstances(ctx, `SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts FROM instance WHERE enabled ORDER BY created_ts`)
}

func (d *DB) listInstances(ctx context.Context, query string) ([]*model.Instance, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		var in model.Instance
		if err := rows.Scan(&in.ID, &in.Name, &in.BaseURL, &in.APIKey, &in.Enabled, &in.CreatedTs, &in.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan instance row")
		}
		out = append(out, &in)
	}
	return out, errors.Wrap(rows.Err(), "iterate instances")
}

func (d *DB) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE instance SET enabled=$1, updated_ts=$2 WHERE id=$3`, enabled, nowUnix(), id)
	if err != nil {
		return errors.Wrap(err, "set instance enabled")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("instance %s not found", id)
	}
	return nil
}

// --- listeners ---

func (d *DB) UpsertListener(ctx context.Context, l *model.Listener) error {
	now := nowUnix()
	if l.CreatedTs == 0 {
		l.CreatedTs = now
	}
	l.UpdatedTs = now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO listener (instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instance_id, chat_name) DO UPDATE SET
			status=excluded.status, last_message_time=excluded.last_message_time,
			manual_added=excluded.manual_added, fixed=excluded.fixed, updated_ts=excluded.updated_ts`,
		l.InstanceID, l.ChatName, string(l.Status), l.LastMessageTime, l.ManualAdded, l.Fixed, l.CreatedTs, l.UpdatedTs)
	return errors.Wrap(err, "upsert listener")
}

func (d *DB) GetListener(ctx context.Context, key model.ListenerKey) (*model.Listener, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=$1 AND chat_name=$2`, key.InstanceID, key.ChatName)
	var l model.Listener
	var status string
	err := row.Scan(&l.InstanceID, &l.ChatName, &status, &l.LastMessageTime, &l.ManualAdded, &l.Fixed, &l.CreatedTs, &l.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan listener")
	}
	l.Status = model.ListenerStatus(status)
	return &l, nil
}

func (d *DB) ListListenersByInstance(ctx context.Context, instanceID string) ([]*model.Listener, error) {
	return d.listListeners(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=$1 ORDER BY last_message_time DESC`, instanceID)
}

func (d *DB) ListActiveListeners(ctx context.Context, instanceID string) ([]*model.Listener, error) {
	return d.listListeners(ctx, `
		SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE instance_id=$1 AND status='active' ORDER BY last_message_time DESC`, instanceID)
}

func (d *DB) listListeners(ctx context.Context, query, instanceID string) ([]*model.Listener, error) {
	rows, err := d.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "list listeners")
	}
	defer rows.Close()
	var out []*model.Listener
	for rows.Next() {
		var l model.Listener
		var status string
		if err := rows.Scan(&l.InstanceID, &l.ChatName, &status, &l.LastMessageTime, &l.ManualAdded, &l.Fixed, &l.CreatedTs, &l.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan listener row")
		}
		l.Status = model.ListenerStatus(status)
		out = append(out, &l)
	}
	return out, errors.Wrap(rows.Err(), "iterate listeners")
}

func (d *DB) SetListenerStatus(ctx context.Context, key model.ListenerKey, status model.ListenerStatus) error {
	_, err := d.db.ExecContext(ctx, `UPDATE listener SET status=$1, updated_ts=$2 WHERE instance_id=$3 AND chat_name=$4`,
		string(status), nowUnix(), key.InstanceID, key.ChatName)
	return errors.Wrap(err, "set listener status")
}

func (d *DB) UpdateListenerLastMessageTime(ctx context.Context, key model.ListenerKey, ts int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE listener SET last_message_time=$1, updated_ts=$2 WHERE instance_id=$3 AND chat_name=$4`,
		ts, nowUnix(), key.InstanceID, key.ChatName)
	return errors.Wrap(err, "update listener last message time")
}

func (d *DB) DeleteListener(ctx context.Context, key model.ListenerKey) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM listener WHERE instance_id=$1 AND chat_name=$2`, key.InstanceID, key.ChatName)
	return errors.Wrap(err, "delete listener")
}

// --- messages ---

const messageColumns = `id, message_id, instance_id, chat_name, sender, sender_remark, content,
	message_type, create_time, fingerprint, processed, delivery_status, delivery_time,
	platform_id, reply_content, reply_status, reply_time, retry_count, last_error, next_retry_time`

func (d *DB) InsertMessage(ctx context.Context, m *model.Message) (int64, bool, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO message (message_id, instance_id, chat_name, sender, sender_remark, content,
			message_type, create_time, fingerprint, processed, delivery_status, delivery_time,
			platform_id, reply_content, reply_status, reply_time, retry_count, last_error, next_retry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, 0, 0, '', '', 0, 0, 0, '', 0)
		ON CONFLICT (instance_id, chat_name, fingerprint) DO NOTHING
		RETURNING id`,
		m.MessageID, m.InstanceID, m.ChatName, m.Sender, m.SenderRemark, m.Content,
		string(m.MessageType), m.CreateTime, m.Fingerprint).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "insert message")
	}
	return id, true, nil
}

func (d *DB) ListUnprocessed(ctx context.Context, limit int) ([]*model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM message WHERE NOT processed AND next_retry_time <= $1 ORDER BY create_time ASC LIMIT $2`, nowUnix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed")
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (d *DB) ListUnprocessedByChat(ctx context.Context, instanceID, chatName string, limit int) ([]*model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM message WHERE NOT processed AND instance_id=$1 AND chat_name=$2 ORDER BY create_time ASC LIMIT $3`,
		instanceID, chatName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unprocessed by chat")
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (d *DB) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message WHERE id=$1`, id)
	var m model.Message
	var msgType string
	err := row.Scan(&m.ID, &m.MessageID, &m.InstanceID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.Content,
		&msgType, &m.CreateTime, &m.Fingerprint, &m.Processed, &m.DeliveryStatus, &m.DeliveryTime,
		&m.PlatformID, &m.ReplyContent, &m.ReplyStatus, &m.ReplyTime, &m.RetryCount, &m.LastError, &m.NextRetryTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	m.MessageType = model.MessageType(msgType)
	return &m, nil
}

func (d *DB) MarkDelivered(ctx context.Context, ids []int64, status model.DeliveryStatus, platformID, replyContent string, replyStatus model.ReplyStatus, now int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+7)
	args = append(args, true, int(status), now, platformID, replyContent, int(replyStatus), now)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+8)
		args = append(args, id)
	}
	query := `UPDATE message SET processed=$1, delivery_status=$2, delivery_time=$3, platform_id=$4,
		reply_content=$5, reply_status=$6, reply_time=$7 WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	_, err := d.db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "mark delivered")
}

func (d *DB) RecordRetry(ctx context.Context, id int64, lastError string, nextRetryTime int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE message SET retry_count = retry_count + 1, last_error=$1, next_retry_time=$2 WHERE id=$3`,
		lastError, nextRetryTime, id)
	return errors.Wrap(err, "record retry")
}

func (d *DB) MarkDeliveryFailed(ctx context.Context, id int64, lastError string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE message SET processed=TRUE, delivery_status=2, last_error=$1, delivery_time=$2 WHERE id=$3`,
		lastError, nowUnix(), id)
	return errors.Wrap(err, "mark delivery failed")
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var msgType string
		if err := rows.Scan(&m.ID, &m.MessageID, &m.InstanceID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.Content,
			&msgType, &m.CreateTime, &m.Fingerprint, &m.Processed, &m.DeliveryStatus, &m.DeliveryTime,
			&m.PlatformID, &m.ReplyContent, &m.ReplyStatus, &m.ReplyTime, &m.RetryCount, &m.LastError, &m.NextRetryTime); err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		m.MessageType = model.MessageType(msgType)
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// --- platforms ---

func (d *DB) CreatePlatform(ctx context.Context, p *model.Platform) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := nowUnix()
	p.CreatedTs, p.UpdatedTs = now, now
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return errors.Wrap(err, "marshal platform config")
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO platform (id, name, type, config, enabled, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, string(model.NormalizePlatformType(p.Type)), string(cfg), p.Enabled, p.CreatedTs, p.UpdatedTs)
	return errors.Wrap(err, "insert platform")
}

func (d *DB) UpdatePlatform(ctx context.Context, p *model.Platform) error {
	p.UpdatedTs = nowUnix()
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return errors.Wrap(err, "marshal platform config")
	}
	_, err = d.db.ExecContext(ctx, `UPDATE platform SET name=$1, type=$2, config=$3, enabled=$4, updated_ts=$5 WHERE id=$6`,
		p.Name, string(model.NormalizePlatformType(p.Type)), string(cfg), p.Enabled, p.UpdatedTs, p.ID)
	return errors.Wrap(err, "update platform")
}

func (d *DB) DeletePlatform(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM platform WHERE id=$1`, id)
	return errors.Wrap(err, "delete platform")
}

func (d *DB) GetPlatform(ctx context.Context, id string) (*model.Platform, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform WHERE id=$1`, id)
	var p model.Platform
	var typ, cfg string
	err := row.Scan(&p.ID, &p.Name, &typ, &cfg, &p.Enabled, &p.CreatedTs, &p.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan platform")
	}
	return finishPlatform(&p, typ, cfg)
}

func (d *DB) ListPlatforms(ctx context.Context) ([]*model.Platform, error) {
	return d.listPlatforms(ctx, `SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform ORDER BY created_ts`)
}

func (d *DB) ListEnabledPlatforms(ctx context.Context) ([]*model.Platform, error) {
	return d.listPlatforms(ctx, `SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform WHERE enabled`)
}

func (d *DB) listPlatforms(ctx context.Context, query string) ([]*model.Platform, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list platforms")
	}
	defer rows.Close()
	var out []*model.Platform
	for rows.Next() {
		var p model.Platform
		var typ, cfg string
		if err := rows.Scan(&p.ID, &p.Name, &typ, &cfg, &p.Enabled, &p.CreatedTs, &p.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan platform row")
		}
		pp, err := finishPlatform(&p, typ, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, errors.Wrap(rows.Err(), "iterate platforms")
}

func finishPlatform(p *model.Platform, typ, cfg string) (*model.Platform, error) {
	p.Type = model.NormalizePlatformType(model.PlatformType(typ))
	p.Config = make(map[string]any)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &p.Config); err != nil {
			return nil, errors.Wrap(err, "unmarshal platform config")
		}
	}
	return p, nil
}

// --- rules ---

const ruleColumns = `id, name, instance_selector, chat_pattern, platform_id, priority, enabled,
	only_at_messages, at_name, reply_at_sender, created_ts, updated_ts`

func (d *DB) CreateRule(ctx context.Context, r *model.Rule) error {
	if r.ID == "" {
		r.ID = shortuuid.New()
	}
	now := nowUnix()
	r.CreatedTs, r.UpdatedTs = now, now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rule (id, name, instance_selector, chat_pattern, platform_id, priority, enabled,
			only_at_messages, at_name, reply_at_sender, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Name, r.InstanceSelector, r.ChatPattern, r.PlatformID, r.Priority, r.Enabled,
		r.OnlyAtMessages, r.AtName, r.ReplyAtSender, r.CreatedTs, r.UpdatedTs)
	return errors.Wrap(err, "insert rule")
}

func (d *DB) UpdateRule(ctx context.Context, r *model.Rule) error {
	r.UpdatedTs = nowUnix()
	_, err := d.db.ExecContext(ctx, `
		UPDATE rule SET name=$1, instance_selector=$2, chat_pattern=$3, platform_id=$4, priority=$5,
			enabled=$6, only_at_messages=$7, at_name=$8, reply_at_sender=$9, updated_ts=$10 WHERE id=$11`,
		r.Name, r.InstanceSelector, r.ChatPattern, r.PlatformID, r.Priority, r.Enabled,
		r.OnlyAtMessages, r.AtName, r.ReplyAtSender, r.UpdatedTs, r.ID)
	return errors.Wrap(err, "update rule")
}

func (d *DB) DeleteRule(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM rule WHERE id=$1`, id)
	return errors.Wrap(err, "delete rule")
}

func (d *DB) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rule WHERE id=$1`, id)
	var r model.Rule
	err := row.Scan(&r.ID, &r.Name, &r.InstanceSelector, &r.ChatPattern, &r.PlatformID, &r.Priority,
		&r.Enabled, &r.OnlyAtMessages, &r.AtName, &r.ReplyAtSender, &r.CreatedTs, &r.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &r, errors.Wrap(err, "scan rule")
}

func (d *DB) ListRules(ctx context.Context) ([]*model.Rule, error) {
	return d.listRules(ctx, `SELECT `+ruleColumns+` FROM rule ORDER BY priority DESC, id ASC`)
}

func (d *DB) ListEnabledRules(ctx context.Context) ([]*model.Rule, error) {
	return d.listRules(ctx, `SELECT `+ruleColumns+` FROM rule WHERE enabled ORDER BY priority DESC, id ASC`)
}

func (d *DB) listRules(ctx context.Context, query string) ([]*model.Rule, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()
	var out []*model.Rule
	for rows.Next() {
		var r model.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.InstanceSelector, &r.ChatPattern, &r.PlatformID, &r.Priority,
			&r.Enabled, &r.OnlyAtMessages, &r.AtName, &r.ReplyAtSender, &r.CreatedTs, &r.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan rule row")
		}
		out = append(out, &r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rules")
}

// --- fixed listeners ---

func (d *DB) UpsertFixedListener(ctx context.Context, f *model.FixedListener) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO fixed_listener (id, session_name, enabled, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET session_name=excluded.session_name,
			enabled=excluded.enabled, description=excluded.description`,
		f.ID, f.SessionName, f.Enabled, f.Description)
	return errors.Wrap(err, "upsert fixed listener")
}

func (d *DB) DeleteFixedListener(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM fixed_listener WHERE id=$1`, id)
	return errors.Wrap(err, "delete fixed listener")
}

func (d *DB) ListFixedListeners(ctx context.Context) ([]*model.FixedListener, error) {
	return d.listFixedListeners(ctx, `SELECT id, session_name, enabled, description FROM fixed_listener`)
}

func (d *DB) ListEnabledFixedListeners(ctx context.Context) ([]*model.FixedListener, error) {
	return d.listFixedListeners(ctx, `SELECT id, session_name, enabled, description FROM fixed_listener WHERE enabled`)
}

func (d *DB) listFixedListeners(ctx context.Context, query string) ([]*model.FixedListener, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list fixed listeners")
	}
	defer rows.Close()
	var out []*model.FixedListener
	for rows.Next() {
		var f model.FixedListener
		if err := rows.Scan(&f.ID, &f.SessionName, &f.Enabled, &f.Description); err != nil {
			return nil, errors.Wrap(err, "scan fixed listener row")
		}
		out = append(out, &f)
	}
	return out, errors.Wrap(rows.Err(), "iterate fixed listeners")
}

// --- accounting ---

func (d *DB) InsertAccountingRecord(ctx context.Context, r *model.AccountingRecord) error {
	var amount sql.NullFloat64
	if r.HasAmount {
		amount = sql.NullFloat64{Float64: r.Amount, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounting_record (platform_id, message_id, description, amount, category,
			account_book_id, account_book_name, success, error_message, processing_ms, create_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.PlatformID, r.MessageID, r.Description, amount, r.Category,
		r.AccountBookID, r.AccountBookName, r.Success, r.ErrorMessage, r.ProcessingMs, r.CreateTime)
	return errors.Wrap(err, "insert accounting record")
}

func (d *DB) ListAccountingRecords(ctx context.Context, platformID string, limit int) ([]*model.AccountingRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, platform_id, message_id, description, amount, category, account_book_id,
			account_book_name, success, error_message, processing_ms, create_time
		FROM accounting_record WHERE platform_id=$1 ORDER BY create_time DESC LIMIT $2`, platformID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list accounting records")
	}
	defer rows.Close()
	var out []*model.AccountingRecord
	for rows.Next() {
		var r model.AccountingRecord
		var amount sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.PlatformID, &r.MessageID, &r.Description, &amount, &r.Category,
			&r.AccountBookID, &r.AccountBookName, &r.Success, &r.ErrorMessage, &r.ProcessingMs, &r.CreateTime); err != nil {
			return nil, errors.Wrap(err, "scan accounting record")
		}
		r.HasAmount = amount.Valid
		r.Amount = amount.Float64
		out = append(out, &r)
	}
	return out, errors.Wrap(rows.Err(), "iterate accounting records")
}

// --- kv config ---

func (d *DB) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv_config WHERE key=$1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get config value")
	}
	return value, true, nil
}

func (d *DB) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO kv_config (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts`,
		key, value, nowUnix())
	return errors.Wrap(err, "set config value")
}

func (d *DB) ListConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value FROM kv_config`)
	if err != nil {
		return nil, errors.Wrap(err, "list config values")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan config row")
		}
		out[k] = v
	}
	return out, errors.Wrap(rows.Err(), "iterate config values")
}
