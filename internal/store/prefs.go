package store

import "context"

// PrefOverrides returns the user's explicit per-type overrides. Types without
// a row fall back to compiled-in defaults at resolve time.
func (s *Store) PrefOverrides(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pref, enabled FROM notification_prefs WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var pref string
		var enabled bool
		if err := rows.Scan(&pref, &enabled); err != nil {
			return nil, err
		}
		out[pref] = enabled
	}
	return out, rows.Err()
}

// SetPref stores one override. Callers validate the pref name first; this
// layer only persists.
func (s *Store) SetPref(ctx context.Context, userID int64, pref string, enabled bool) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_prefs(user_id, pref, enabled) VALUES(?,?,?)
		 ON CONFLICT(user_id, pref) DO UPDATE SET enabled = excluded.enabled`,
		userID, pref, enabled,
	)
	return err
}

// SetPrefs replaces the overrides for the given keys in one transaction.
func (s *Store) SetPrefs(ctx context.Context, userID int64, prefs map[string]bool) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for pref, enabled := range prefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notification_prefs(user_id, pref, enabled) VALUES(?,?,?)
			 ON CONFLICT(user_id, pref) DO UPDATE SET enabled = excluded.enabled`,
			userID, pref, enabled,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
