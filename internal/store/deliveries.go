package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// AppendDelivery records one fan-out outcome. The log is append-only; rows
// age out via PurgeDeliveries.
func (s *Store) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(user_id, type, channels, event_id, subject, message, success, err, extra, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.UserID, e.Type, strings.Join(e.Channels, ","), nullStr(e.EventID),
		e.Subject, e.Message, e.Success, nullStr(e.Error), nullStr(e.ExtraJSON),
		at.UnixMilli(),
	)
	return err
}

// RecentDeliveries returns the newest rows first, optionally scoped to a user
// (userID 0 means all users).
func (s *Store) RecentDeliveries(ctx context.Context, userID int64, limit int) ([]DeliveryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, user_id, type, channels, event_id, subject, message, success, err, extra, created_at
	      FROM delivery_log`
	args := []any{}
	if userID != 0 {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryEntry
	for rows.Next() {
		var (
			e        DeliveryEntry
			channels string
			eventID  sql.NullString
			errStr   sql.NullString
			extra    sql.NullString
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &channels, &eventID,
			&e.Subject, &e.Message, &e.Success, &errStr, &extra, &created); err != nil {
			return nil, err
		}
		if channels != "" {
			e.Channels = strings.Split(channels, ",")
		}
		e.EventID = eventID.String
		e.Error = errStr.String
		e.ExtraJSON = extra.String
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeDeliveries drops rows older than the retention window.
func (s *Store) PurgeDeliveries(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
