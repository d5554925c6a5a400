package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// LinkTokenTTL bounds how long an issued link token stays redeemable.
const LinkTokenTTL = time.Hour

// IssueLinkToken creates a fresh single-use link token for the user and
// returns it with its expiry. Any previously issued unused token is replaced.
// An existing chat binding is left untouched (re-linking overwrites it only
// on a successful ConsumeLinkToken).
func (s *Store) IssueLinkToken(ctx context.Context, userID int64) (string, time.Time, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return "", time.Time{}, err
	}

	token, err := newLinkToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	expires := now.Add(LinkTokenTTL)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telegram_links(user_id, link_token, token_expires, enabled, created_at, updated_at)
		 VALUES(?,?,?,0,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   link_token = excluded.link_token,
		   token_expires = excluded.token_expires,
		   updated_at = excluded.updated_at`,
		userID, token, expires.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// ConsumeLinkToken redeems a token against a chat. Exactly one concurrent
// caller can win: the token column is cleared in the same guarded UPDATE that
// binds the chat. Expired tokens are cleared as a side effect and report
// (0, false). If the chat was bound to a different user, that binding is
// released inside the same transaction.
func (s *Store) ConsumeLinkToken(ctx context.Context, token string, chatID int64, username string) (int64, bool, error) {
	if token == "" || chatID == 0 {
		return 0, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var userID int64
	var expires sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, token_expires FROM telegram_links WHERE link_token = ?`, token,
	).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	now := s.now()
	if !expires.Valid || now.UnixMilli() > expires.Int64 {
		_, err = tx.ExecContext(ctx,
			`UPDATE telegram_links SET link_token = NULL, token_expires = NULL, updated_at = ?
			 WHERE user_id = ? AND link_token = ?`,
			now.UnixMilli(), userID, token,
		)
		if err != nil {
			return 0, false, err
		}
		return 0, false, tx.Commit()
	}

	// A chat can belong to at most one user. Release the previous owner.
	_, err = tx.ExecContext(ctx,
		`UPDATE telegram_links SET chat_id = NULL, username = NULL, enabled = 0, updated_at = ?
		 WHERE chat_id = ? AND user_id != ?`,
		now.UnixMilli(), chatID, userID,
	)
	if err != nil {
		return 0, false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE telegram_links
		 SET chat_id = ?, username = ?, enabled = 1, link_token = NULL, token_expires = NULL,
		     last_used = ?, updated_at = ?
		 WHERE user_id = ? AND link_token = ?`,
		chatID, nullStr(username), now.UnixMilli(), now.UnixMilli(), userID, token,
	)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		// Lost the race to another consumer.
		return 0, false, tx.Commit()
	}
	return userID, true, tx.Commit()
}

// UnlinkTelegram clears the chat binding and any pending token. Idempotent.
func (s *Store) UnlinkTelegram(ctx context.Context, userID int64) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE telegram_links
		 SET chat_id = NULL, username = NULL, enabled = 0, link_token = NULL, token_expires = NULL, updated_at = ?
		 WHERE user_id = ?`,
		now, userID,
	)
	return err
}

// SetTelegramEnabled flips the user's Telegram master switch without
// touching the binding.
func (s *Store) SetTelegramEnabled(ctx context.Context, userID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE telegram_links SET enabled = ?, updated_at = ? WHERE user_id = ? AND chat_id IS NOT NULL`,
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

// TouchTelegramUse bumps last_used after a successful delivery.
func (s *Store) TouchTelegramUse(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE telegram_links SET last_used = ? WHERE user_id = ?`,
		s.now().UnixMilli(), userID,
	)
	return err
}

// LinkByUser returns the user's link row, or ErrNotFound.
func (s *Store) LinkByUser(ctx context.Context, userID int64) (TelegramLink, error) {
	return s.scanLink(s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, username, link_token, token_expires, enabled, last_used, created_at, updated_at
		 FROM telegram_links WHERE user_id = ?`, userID))
}

// LinkByChatID is the reverse lookup used by inbound bot updates.
func (s *Store) LinkByChatID(ctx context.Context, chatID int64) (TelegramLink, error) {
	return s.scanLink(s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, username, link_token, token_expires, enabled, last_used, created_at, updated_at
		 FROM telegram_links WHERE chat_id = ?`, chatID))
}

func (s *Store) scanLink(row *sql.Row) (TelegramLink, error) {
	var (
		l        TelegramLink
		chatID   sql.NullInt64
		username sql.NullString
		token    sql.NullString
		expires  sql.NullInt64
		lastUsed sql.NullInt64
		created  int64
		updated  int64
	)
	err := row.Scan(&l.UserID, &chatID, &username, &token, &expires, &l.Enabled, &lastUsed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TelegramLink{}, ErrNotFound
	}
	if err != nil {
		return TelegramLink{}, err
	}
	l.ChatID = chatID.Int64
	l.Username = username.String
	l.LinkToken = token.String
	l.TokenExpires = milliTime(expires)
	l.LastUsed = milliTime(lastUsed)
	l.CreatedAt = time.UnixMilli(created)
	l.UpdatedAt = time.UnixMilli(updated)
	return l, nil
}

// SweepExpiredTokens clears tokens past their expiry and reports how many.
func (s *Store) SweepExpiredTokens(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE telegram_links SET link_token = NULL, token_expires = NULL, updated_at = ?
		 WHERE link_token IS NOT NULL AND token_expires < ?`,
		now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) requireUser(ctx context.Context, userID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return err
}

// newLinkToken returns 32 random bytes, URL-safe base64 without padding.
func newLinkToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
