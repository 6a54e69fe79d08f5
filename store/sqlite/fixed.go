package sqlite

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

func (d *DB) UpsertFixedListener(ctx context.Context, f *model.FixedListener) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO fixed_listener (id, session_name, enabled, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET session_name=excluded.session_name,
			enabled=excluded.enabled, description=excluded.description`,
		f.ID, f.SessionName, boolToInt(f.Enabled), f.Description)
	return errors.Wrap(err, "upsert fixed listener")
}

func (d *DB) DeleteFixedListener(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM fixed_listener WHERE id=?`, id)
	return errors.Wrap(err, "delete fixed listener")
}

func (d *DB) ListFixedListeners(ctx context.Context) ([]*model.FixedListener, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, session_name, enabled, description FROM fixed_listener`)
	if err != nil {
		return nil, errors.Wrap(err, "list fixed listeners")
	}
	defer rows.Close()
	return scanFixedListeners(rows)
}

func (d *DB) ListEnabledFixedListeners(ctx context.Context) ([]*model.FixedListener, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, session_name, enabled, description FROM fixed_listener WHERE enabled=1`)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled fixed listeners")
	}
	defer rows.Close()
	return scanFixedListeners(rows)
}

func scanFixedListeners(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*model.FixedListener, error) {
	var out []*model.FixedListener
	for rows.Next() {
		var f model.FixedListener
		var enabled int
		if err := rows.Scan(&f.ID, &f.SessionName, &enabled, &f.Description); err != nil {
			return nil, errors.Wrap(err, "scan fixed listener row")
		}
		f.Enabled = enabled != 0
		out = append(out, &f)
	}
	return out, errors.Wrap(rows.Err(), "iterate fixed listeners")
}
