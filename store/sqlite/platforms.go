package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

func (d *DB) CreatePlatform(ctx context.Context, p *model.Platform) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	p.CreatedTs, p.UpdatedTs = now, now
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return errors.Wrap(err, "marshal platform config")
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO platform (id, name, type, config, enabled, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(model.NormalizePlatformType(p.Type)), string(cfg), boolToInt(p.Enabled), p.CreatedTs, p.UpdatedTs)
	return errors.Wrap(err, "insert platform")
}

func (d *DB) UpdatePlatform(ctx context.Context, p *model.Platform) error {
	p.UpdatedTs = time.Now().Unix()
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return errors.Wrap(err, "marshal platform config")
	}
	_, err = d.db.ExecContext(ctx, `
		UPDATE platform SET name=?, type=?, config=?, enabled=?, updated_ts=? WHERE id=?`,
		p.Name, string(model.NormalizePlatformType(p.Type)), string(cfg), boolToInt(p.Enabled), p.UpdatedTs, p.ID)
	return errors.Wrap(err, "update platform")
}

func (d *DB) DeletePlatform(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM platform WHERE id=?`, id)
	return errors.Wrap(err, "delete platform")
}

func (d *DB) GetPlatform(ctx context.Context, id string) (*model.Platform, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform WHERE id=?`, id)
	return scanPlatform(row)
}

func (d *DB) ListPlatforms(ctx context.Context) ([]*model.Platform, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform ORDER BY created_ts`)
	if err != nil {
		return nil, errors.Wrap(err, "list platforms")
	}
	defer rows.Close()
	return scanPlatforms(rows)
}

func (d *DB) ListEnabledPlatforms(ctx context.Context) ([]*model.Platform, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, type, config, enabled, created_ts, updated_ts FROM platform WHERE enabled=1`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled platforms")
	}
	defer rows.Close()
	return scanPlatforms(rows)
}

func scanPlatform(row *sql.Row) (*model.Platform, error) {
	var p model.Platform
	var typ, cfg string
	var enabled int
	err := row.Scan(&p.ID, &p.Name, &typ, &cfg, &enabled, &p.CreatedTs, &p.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan platform")
	}
	return finishPlatform(&p, typ, cfg, enabled)
}

func scanPlatforms(rows *sql.Rows) ([]*model.Platform, error) {
	var out []*model.Platform
	for rows.Next() {
		var p model.Platform
		var typ, cfg string
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &typ, &cfg, &enabled, &p.CreatedTs, &p.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "scan platform row")
		}
		pp, err := finishPlatform(&p, typ, cfg, enabled)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, errors.Wrap(rows.Err(), "iterate platforms")
}

func finishPlatform(p *model.Platform, typ, cfg string, enabled int) (*model.Platform, error) {
	p.Type = model.NormalizePlatformType(model.PlatformType(typ))
	p.Enabled = enabled != 0
	p.Config = make(map[string]any)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &p.Config); err != nil {
			return nil, errors.Wrap(err, "unmarshal platform config")
		}
	}
	return p, nil
}
