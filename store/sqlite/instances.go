package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

func (d *DB) CreateInstance(ctx context.Context, in *model.Instance) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	in.CreatedTs, in.UpdatedTs = now, now
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO instance (id, name, base_url, api_key, enabled, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Name, in.BaseURL, in.APIKey, boolToInt(in.Enabled), in.CreatedTs, in.UpdatedTs)
	return errors.Wrap(err, "insert instance")
}

func (d *DB) UpdateInstance(ctx context.Context, in *model.Instance) error {
	in.UpdatedTs = time.Now().Unix()
	_, err := d.db.ExecContext(ctx, `
		UPDATE instance SET name=?, base_url=?, api_key=?, enabled=?, updated_ts=?
		WHERE id=?`,
		in.Name, in.BaseURL, in.APIKey, boolToInt(in.Enabled), in.UpdatedTs, in.ID)
	return errors.Wrap(err, "update instance")
}

func (d *DB) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts
		FROM instance WHERE id=?`, id)
	return scanInstance(row)
}

func (d *DB) ListInstances(ctx context.Context) ([]*model.Instance, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts
		FROM instance ORDER BY created_ts`)
	if err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (d *DB) ListEnabledInstances(ctx context.Context) ([]*model.Instance, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts
		FROM instance WHERE enabled=1 ORDER BY created_ts`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled instances")
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (d *DB) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := d.db.ExecContext(ctx, `UPDATE instance SET enabled=?, updated_ts=? WHERE id=?`,
		boolToInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, "set instance enabled")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Errorf("instance %s not found", id)
	}
	return nil
}

func scanInstance(row *sql.Row) (*model.Instance, error) {
	var in model.Instance
	var enabled int
	err := row.Scan(&in.ID, &in.Name, &in.BaseURL, &in.APIKey, &enabled, &in.CreatedTs, &in.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan instance")
	}
	in.Enabled = enabled != 0
	return &in, nil
}

func scanInstances(rows *sql.Rows) ([]*model.Instance, error) {
	var out []*model.Instance
	for rows.Next() {
		var in model.Instance
		var enabled int
		if err := rows.Scan(&in.ID, &in.Name, &in.BaseURL, &in.APIKey, &enabled, &in.CreatedTs, &in.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan instance row")
		}
		in.Enabled = enabled != 0
		out = append(out, &in)
	}
	return out, errors.Wrap(rows.Err(), "iterate instances")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
