// Package persist loads and saves the durable filter state, migrating the
// legacy exempt-user list on first load.
package persist

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/db"
	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/rules"
)

const (
	// CurrentKey holds the JSON-encoded filter.PersistedState.
	CurrentKey = "persistentState.v1"
	// LegacyExemptKey holds a comma-separated uid list from older releases.
	LegacyExemptKey = "exemptUsers"
)

// ErrNoHistory is returned by Rollback when no earlier state was saved.
var ErrNoHistory = errors.New("no earlier state saved")

// Store persists filter state as rows in the state table.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore creates a store over an opened database.
func NewStore(d *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: d, logger: logger.Named("persist")}
}

// Load returns the current record if present. Otherwise it migrates the
// legacy exempt list and saves the result in the current format, leaving the
// legacy row in place. With neither, the empty state is returned.
func (s *Store) Load() (filter.PersistedState, error) {
	raw, found, err := db.GetState(s.db, CurrentKey)
	if err != nil {
		return filter.PersistedState{}, err
	}
	if found {
		var state filter.PersistedState
		if err := json.Unmarshal(raw, &state); err != nil {
			return filter.PersistedState{}, fmt.Errorf("decode %s: %w", CurrentKey, err)
		}
		normalize(&state)
		s.logger.Info("loaded persisted state",
			zap.Int("users", len(state.UserKeychains)),
			zap.Int("exempt_users", len(state.ExemptUsers)),
		)
		return state, nil
	}

	legacy, found, err := db.GetState(s.db, LegacyExemptKey)
	if err != nil {
		return filter.PersistedState{}, err
	}
	if !found {
		s.logger.Info("no persisted state, starting empty")
		return emptyState(), nil
	}

	uids, err := ParseUIDList(string(legacy))
	if err != nil {
		return filter.PersistedState{}, fmt.Errorf("decode legacy %s: %w", LegacyExemptKey, err)
	}
	state := emptyState()
	state.ExemptUsers = uids
	if err := s.Save(state); err != nil {
		return filter.PersistedState{}, fmt.Errorf("save migrated state: %w", err)
	}
	s.logger.Info("migrated legacy exempt users", zap.Uint32s("uids", uids))
	return state, nil
}

// Save writes state as the current record.
func (s *Store) Save(state filter.PersistedState) error {
	normalize(&state)
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return db.PutState(s.db, CurrentKey, raw)
}

// Rollback restores the state saved before the current one. The replaced
// record moves into history, so a second Rollback undoes the first.
func (s *Store) Rollback() (filter.PersistedState, error) {
	history, err := db.StateHistory(s.db, CurrentKey)
	if err != nil {
		return filter.PersistedState{}, err
	}
	if len(history) == 0 {
		return filter.PersistedState{}, ErrNoHistory
	}
	var state filter.PersistedState
	if err := json.Unmarshal(history[0], &state); err != nil {
		return filter.PersistedState{}, fmt.Errorf("decode previous %s: %w", CurrentKey, err)
	}
	if err := s.Save(state); err != nil {
		return filter.PersistedState{}, fmt.Errorf("save restored state: %w", err)
	}
	s.logger.Info("rolled back persisted state",
		zap.Int("users", len(state.UserKeychains)),
		zap.Int("exempt_users", len(state.ExemptUsers)),
	)
	return state, nil
}

// ParseUIDList parses a comma-separated uid list such as "501, 502".
// Empty elements are skipped and duplicates removed.
func ParseUIDList(s string) ([]uint32, error) {
	var uids []uint32
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		uid, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid uid %q: %w", part, err)
		}
		uids = append(uids, uint32(uid))
	}
	slices.Sort(uids)
	return slices.Compact(uids), nil
}

func emptyState() filter.PersistedState {
	return filter.PersistedState{
		UserKeychains: map[uint32][]rules.Keychain{},
		UserDowntime:  map[uint32]rules.TimeWindow{},
		ExemptUsers:   []uint32{},
	}
}

func normalize(state *filter.PersistedState) {
	if state.UserKeychains == nil {
		state.UserKeychains = map[uint32][]rules.Keychain{}
	}
	if state.UserDowntime == nil {
		state.UserDowntime = map[uint32]rules.TimeWindow{}
	}
	if state.ExemptUsers == nil {
		state.ExemptUsers = []uint32{}
	}
}
