package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

const ruleColumns = `id, name, instance_selector, chat_pattern, platform_id, priority, enabled,
	only_at_messages, at_name, reply_at_sender, created_ts, updated_ts`

func (d *DB) CreateRule(ctx context.Context, r *model.Rule) error {
	if r.ID == "" {
		// Short, readable ids for an entity operators reference constantly
		// in config files and UI lists.
		r.ID = shortuuid.New()
	}
	now := time.Now().Unix()
	r.CreatedTs, r.UpdatedTs = now, now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rule (id, name, instance_selector, chat_pattern, platform_id, priority, enabled,
			only_at_messages, at_name, reply_at_sender, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.InstanceSelector, r.ChatPattern, r.PlatformID, r.Priority, boolToInt(r.Enabled),
		boolToInt(r.OnlyAtMessages), r.AtName, boolToInt(r.ReplyAtSender), r.CreatedTs, r.UpdatedTs)
	return errors.Wrap(err, "insert rule")
}

func (d *DB) UpdateRule(ctx context.Context, r *model.Rule) error {
	r.UpdatedTs = time.Now().Unix()
	_, err := d.db.ExecContext(ctx, `
		UPDATE rule SET name=?, instance_selector=?, chat_pattern=?, platform_id=?, priority=?,
			enabled=?, only_at_messages=?, at_name=?, reply_at_sender=?, updated_ts=? WHERE id=?`,
		r.Name, r.InstanceSelector, r.ChatPattern, r.PlatformID, r.Priority, boolToInt(r.Enabled),
		boolToInt(r.OnlyAtMessages), r.AtName, boolToInt(r.ReplyAtSender), r.UpdatedTs, r.ID)
	return errors.Wrap(err, "update rule")
}

func (d *DB) DeleteRule(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM rule WHERE id=?`, id)
	return errors.Wrap(err, "delete rule")
}

func (d *DB) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rule WHERE id=?`, id)
	return scanRule(row)
}

func (d *DB) ListRules(ctx context.Context) ([]*model.Rule, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rule ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()
	return scanRules(rows)
}

func (d *DB) ListEnabledRules(ctx context.Context) ([]*model.Rule, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rule WHERE enabled=1 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled rules")
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRule(row *sql.Row) (*model.Rule, error) {
	var r model.Rule
	var enabled, onlyAt, replyAt int
	err := row.Scan(&r.ID, &r.Name, &r.InstanceSelector, &r.ChatPattern, &r.PlatformID, &r.Priority,
		&enabled, &onlyAt, &r.AtName, &replyAt, &r.CreatedTs, &r.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan rule")
	}
	r.Enabled, r.OnlyAtMessages, r.ReplyAtSender = enabled != 0, onlyAt != 0, replyAt != 0
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]*model.Rule, error) {
	var out []*model.Rule
	for rows.Next() {
		var r model.Rule
		var enabled, onlyAt, replyAt int
		if err := rows.Scan(&r.ID, &r.Name, &r.InstanceSelector, &r.ChatPattern, &r.PlatformID, &r.Priority,
			&enabled, &onlyAt, &r.AtName, &replyAt, &r.CreatedTs, &r.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan rule row")
		}
		r.Enabled, r.OnlyAtMessages, r.ReplyAtSender = enabled != 0, onlyAt != 0, replyAt != 0
		out = append(out, &r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rules")
}
