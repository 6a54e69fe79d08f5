package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/wxrelay/internal/model"
)

// InsertAccountingRecord appends a bookkeeping outcome row. Records are
// kept regardless of success so operators can audit failed postings.
func (d *DB) InsertAccountingRecord(ctx context.Context, r *model.AccountingRecord) error {
	var amount sql.NullFloat64
	if r.HasAmount {
		amount = sql.NullFloat64{Float64: r.Amount, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO accounting_record (platform_id, message_id, description, amount, category,
			account_book_id, account_book_name, success, error_message, processing_ms, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PlatformID, r.MessageID, r.Description, amount, r.Category,
		r.AccountBookID, r.AccountBookName, boolToInt(r.Success), r.ErrorMessage, r.ProcessingMs, r.CreateTime)
	return errors.Wrap(err, "insert accounting record")
}

func (d *DB) ListAccountingRecords(ctx context.Context, platformID string, limit int) ([]*model.AccountingRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, platform_id, message_id, description, amount, category, account_book_id,
			account_book_name, success, error_message, processing_ms, create_time
		FROM accounting_record WHERE platform_id=? ORDER BY create_time DESC LIMIT ?`, platformID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list accounting records")
	}
	defer rows.Close()

	var out []*model.AccountingRecord
	for rows.Next() {
		var r model.AccountingRecord
		var amount sql.NullFloat64
		var success int
		if err := rows.Scan(&r.ID, &r.PlatformID, &r.MessageID, &r.Description, &amount, &r.Category,
			&r.AccountBookID, &r.AccountBookName, &success, &r.ErrorMessage, &r.ProcessingMs, &r.CreateTime); err != nil {
			return nil, errors.Wrap(err, "scan accounting record")
		}
		r.HasAmount = amount.Valid
		r.Amount = amount.Float64
		r.Success = success != 0
		out = append(out, &r)
	}
	return out, errors.Wrap(rows.Err(), "iterate accounting records")
}
