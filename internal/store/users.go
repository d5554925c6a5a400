package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertUser mirrors one host-directory user, replacing their email set.
// Emails are matched case-insensitively, so they are stored lowercased.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.ID <= 0 {
		return errors.New("user id must be positive")
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users(id, name, push_enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   updated_at = excluded.updated_at`,
		u.ID, u.Name, u.PushEnabled, now, now,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_emails WHERE user_id = ?`, u.ID); err != nil {
		return err
	}
	for _, email := range u.Emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_emails(email, user_id) VALUES(?,?)
			 ON CONFLICT(email) DO UPDATE SET user_id = excluded.user_id`,
			email, u.ID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UserByID returns the user with their email set, or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	var (
		u        User
		lastNoti sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, push_enabled, last_notified_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.PushEnabled, &lastNoti)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	u.LastNotifiedAt = milliTime(lastNoti)

	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM user_emails WHERE user_id = ? ORDER BY email`, id)
	if err != nil {
		return User{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return User{}, err
		}
		u.Emails = append(u.Emails, email)
	}
	return u, rows.Err()
}

// UserByEmail resolves an address to its user, or ErrNotFound. The lookup is
// exact after lowercasing.
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_emails WHERE email = ?`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("email %q: %w", email, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	return s.UserByID(ctx, id)
}

// SetPushEnabled flips the user's push master switch.
func (s *Store) SetPushEnabled(ctx context.Context, userID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET push_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.now().UnixMilli(), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// TouchLastNotified records a successful delivery moment.
func (s *Store) TouchLastNotified(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_notified_at = ? WHERE id = ?`,
		s.now().UnixMilli(), userID,
	)
	return err
}
