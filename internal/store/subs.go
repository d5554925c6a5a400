package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveSubscription upserts by (user_id, endpoint). Saving re-enables the
// subscription, resets its stale counter, and turns the user's push master
// switch on (subscribing expresses intent to receive).
func (s *Store) SaveSubscription(ctx context.Context, sub PushSubscription) (PushSubscription, error) {
	if err := s.requireUser(ctx, sub.UserID); err != nil {
		return PushSubscription{}, err
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PushSubscription{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO push_subscriptions(user_id, endpoint, auth, p256dh, browser, platform, user_agent, enabled, stale_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,0,?,?)
		 ON CONFLICT(user_id, endpoint) DO UPDATE SET
		   auth = excluded.auth,
		   p256dh = excluded.p256dh,
		   browser = excluded.browser,
		   platform = excluded.platform,
		   user_agent = excluded.user_agent,
		   enabled = 1,
		   stale_count = 0,
		   updated_at = excluded.updated_at`,
		sub.UserID, sub.Endpoint, sub.Auth, sub.P256DH,
		nullStr(sub.Browser), nullStr(sub.Platform), nullStr(sub.UserAgent),
		now, now,
	)
	if err != nil {
		return PushSubscription{}, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET push_enabled = 1, updated_at = ? WHERE id = ?`, now, sub.UserID)
	if err != nil {
		return PushSubscription{}, err
	}

	var saved PushSubscription
	row := tx.QueryRowContext(ctx,
		`SELECT id, user_id, endpoint, auth, p256dh, browser, platform, user_agent, enabled, stale_count, last_used, created_at, updated_at
		 FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`,
		sub.UserID, sub.Endpoint,
	)
	if saved, err = scanSubscription(row); err != nil {
		return PushSubscription{}, err
	}
	return saved, tx.Commit()
}

// DeleteSubscription removes one endpoint. When the user's last subscription
// goes away their push master switch is turned off, so a later re-subscribe
// starts from a clean opt-in.
func (s *Store) DeleteSubscription(ctx context.Context, userID int64, endpoint string) error {
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("subscription for user %d: %w", userID, ErrNotFound)
	}

	var remaining int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_subscriptions WHERE user_id = ?`, userID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET push_enabled = 0, updated_at = ? WHERE id = ?`, now, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SubscriptionsByUser lists enabled subscriptions in stable (insertion) order.
func (s *Store) SubscriptionsByUser(ctx context.Context, userID int64) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, auth, p256dh, browser, platform, user_agent, enabled, stale_count, last_used, created_at, updated_at
		 FROM push_subscriptions WHERE user_id = ? AND enabled = 1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// MarkSubscriptionStale bumps the stale counter after the push service
// reported the endpoint gone. Pruning is a separate janitor decision.
func (s *Store) MarkSubscriptionStale(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET stale_count = stale_count + 1, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), id,
	)
	return err
}

// TouchSubscription bumps last_used and clears the stale counter after a
// successful delivery.
func (s *Store) TouchSubscription(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET last_used = ?, stale_count = 0 WHERE id = ?`,
		s.now().UnixMilli(), id,
	)
	return err
}

// PruneStaleSubscriptions deletes subscriptions whose endpoint kept reporting
// gone. threshold <= 0 disables pruning.
func (s *Store) PruneStaleSubscriptions(ctx context.Context, threshold int) (int64, error) {
	if threshold <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE stale_count >= ?`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (PushSubscription, error) {
	var (
		sub       PushSubscription
		browser   sql.NullString
		platform  sql.NullString
		userAgent sql.NullString
		lastUsed  sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.Auth, &sub.P256DH,
		&browser, &platform, &userAgent, &sub.Enabled, &sub.StaleCount, &lastUsed, &created, &updated)
	if err != nil {
		return PushSubscription{}, err
	}
	sub.Browser = browser.String
	sub.Platform = platform.String
	sub.UserAgent = userAgent.String
	sub.LastUsed = milliTime(lastUsed)
	sub.CreatedAt = time.UnixMilli(created)
	sub.UpdatedAt = time.UnixMilli(updated)
	return sub, nil
}
