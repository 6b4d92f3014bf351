package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/rsclarke/flowgate/internal/models"
)

// CreateCompanionKey inserts a new companion key and returns its ID.
func CreateCompanionKey(d *sql.DB, prefix string, hash []byte, label string) (int64, error) {
	var lbl *string
	if label != "" {
		lbl = &label
	}
	result, err := d.Exec(
		"INSERT INTO companion_keys (key_prefix, key_hash, label, created_at) VALUES (?, ?, ?, ?)",
		prefix, hash, lbl, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetCompanionKeyByPrefix retrieves a key by its prefix, or nil if none exists.
func GetCompanionKeyByPrefix(d *sql.DB, prefix string) (*models.CompanionKey, error) {
	row := d.QueryRow(`
		SELECT id, key_prefix, key_hash, label, created_at, last_used_at, revoked_at
		FROM companion_keys WHERE key_prefix = ?`,
		prefix,
	)
	var key models.CompanionKey
	err := row.Scan(&key.ID, &key.KeyPrefix, &key.KeyHash, &key.Label, &key.CreatedAt, &key.LastUsedAt, &key.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListCompanionKeys returns every key, oldest first.
func ListCompanionKeys(d *sql.DB) ([]models.CompanionKey, error) {
	rows, err := d.Query(`
		SELECT id, key_prefix, key_hash, label, created_at, last_used_at, revoked_at
		FROM companion_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.CompanionKey
	for rows.Next() {
		var k models.CompanionKey
		if err := rows.Scan(&k.ID, &k.KeyPrefix, &k.KeyHash, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchCompanionKey records that the key was just used.
func TouchCompanionKey(d *sql.DB, id int64) error {
	_, err := d.Exec("UPDATE companion_keys SET last_used_at = ? WHERE id = ?", time.Now().Unix(), id)
	return err
}

// RevokeCompanionKey marks the key with prefix revoked. It reports whether
// an active key was revoked.
func RevokeCompanionKey(d *sql.DB, prefix string) (bool, error) {
	result, err := d.Exec(
		"UPDATE companion_keys SET revoked_at = ? WHERE key_prefix = ? AND revoked_at IS NULL",
		time.Now().Unix(), prefix,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CountCompanionKeys returns the number of non-revoked keys.
func CountCompanionKeys(d *sql.DB) (int, error) {
	var count int
	err := d.QueryRow("SELECT COUNT(*) FROM companion_keys WHERE revoked_at IS NULL").Scan(&count)
	return count, err
}
