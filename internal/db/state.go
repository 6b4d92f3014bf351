package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// stateHistoryLimit bounds how many previous values are kept per key.
const stateHistoryLimit = 10

// GetState returns the value stored under key. found is false when the key
// has never been written.
func GetState(d *sql.DB, key string) (value []byte, found bool, err error) {
	err = d.QueryRow("SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %q: %w", key, err)
	}
	return value, true, nil
}

// PutState upserts key, moving any previous value into state_history.
func PutState(d *sql.DB, key string, value []byte) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT INTO state_history (key, value, replaced_at)
		SELECT key, value, ? FROM state WHERE key = ?`, now, key); err != nil {
		return fmt.Errorf("archive state %q: %w", key, err)
	}
	if _, err := tx.Exec(`
		DELETE FROM state_history
		WHERE key = ? AND id NOT IN (
			SELECT id FROM state_history WHERE key = ? ORDER BY id DESC LIMIT ?
		)`, key, key, stateHistoryLimit); err != nil {
		return fmt.Errorf("trim state history %q: %w", key, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now); err != nil {
		return fmt.Errorf("put state %q: %w", key, err)
	}
	return tx.Commit()
}

// StateHistory returns previous values of key, newest first.
func StateHistory(d *sql.DB, key string) ([][]byte, error) {
	rows, err := d.Query("SELECT value FROM state_history WHERE key = ? ORDER BY id DESC", key)
	if err != nil {
		return nil, fmt.Errorf("query state history %q: %w", key, err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
