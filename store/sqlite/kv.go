package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// GetConfigValue reads a runtime-tunable value, e.g. an operator-set
// override for poll interval or merge window. Absence is not an error.
func (d *DB) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM kv_config WHERE key=?`, key).Scan(&value)
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
		INSERT INTO kv_config (key, value, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts`,
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
