// Package models defines the database entity types.
package models

// CompanionKey represents a companion bearer key record in the database.
type CompanionKey struct {
	ID         int64
	KeyPrefix  string
	KeyHash    []byte
	Label      *string
	CreatedAt  int64
	LastUsedAt *int64
	RevokedAt  *int64
}

// Revoked reports whether the key may no longer be used.
func (k CompanionKey) Revoked() bool { return k.RevokedAt != nil }

// DisplayLabel returns the key's label or its prefix when unlabeled.
func (k CompanionKey) DisplayLabel() string {
	if k.Label != nil && *k.Label != "" {
		return *k.Label
	}
	return k.KeyPrefix
}
