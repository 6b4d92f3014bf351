// Package filter owns per-user decision state and answers the two flow
// decision phases. Every mutation goes through Engine, which serializes
// writers with a single lock and hands decisions a consistent UserView.
package filter

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rsclarke/flowgate/internal/rules"
)

var (
	// ErrMissingUserID is returned when an audit token cannot be mapped to a uid.
	ErrMissingUserID = errors.New("missing user id")
	// ErrPersist wraps a storage failure after an in-memory mutation was applied.
	ErrPersist = errors.New("persist state")
)

// AuditToken identifies the process that opened a flow.
type AuditToken struct {
	PID int32
	UID *uint32
}

// UserResolver maps an audit token to the local uid that owns the flow.
type UserResolver interface {
	ResolveUser(tok AuditToken) (uint32, error)
}

// Persister stores the restart-surviving part of the decision state.
type Persister interface {
	Save(state PersistedState) error
}

// Notifier receives outbound companion notifications. Implementations must
// not block.
type Notifier interface {
	SuspensionEnded(uid uint32)
	BlockedRequest(uid uint32, req BlockedRequest)
}

// BlockedRequest describes one blocked flow for a live listener.
type BlockedRequest struct {
	ID        uuid.UUID        `json:"id"`
	Time      time.Time        `json:"time"`
	App       string           `json:"app"`
	URL       string           `json:"url,omitempty"`
	Hostname  string           `json:"hostname,omitempty"`
	IPAddress string           `json:"ip_address,omitempty"`
	Protocol  rules.IPProtocol `json:"ip_protocol"`
}

// PersistedState is the durable subset of decision state. Suspensions, the
// listener registry and the app identity cache are never persisted.
type PersistedState struct {
	UserKeychains map[uint32][]rules.Keychain `json:"userKeychains"`
	UserDowntime  map[uint32]rules.TimeWindow `json:"userDowntime,omitempty"`
	AppIDManifest rules.AppIDManifest         `json:"appIdManifest"`
	ExemptUsers   []uint32                    `json:"exemptUsers"`
}

// IsEmpty reports whether the state carries no user data.
func (s PersistedState) IsEmpty() bool {
	return len(s.UserKeychains) == 0 && len(s.UserDowntime) == 0 && len(s.ExemptUsers) == 0 &&
		len(s.AppIDManifest.Apps) == 0
}

// RuleSet is the payload of a userRules command.
type RuleSet struct {
	Keychains []rules.Keychain
	Downtime  *rules.TimeWindow
	Manifest  rules.AppIDManifest
}

// Summary is a read-only description of one user's state.
type Summary struct {
	UserID     uint32            `json:"user_id"`
	Keychains  int               `json:"keychains"`
	Keys       int               `json:"keys"`
	Exempt     bool              `json:"exempt"`
	Downtime   *rules.TimeWindow `json:"downtime,omitempty"`
	InDowntime bool              `json:"in_downtime"`
	Suspension *SuspensionInfo   `json:"suspension,omitempty"`
	Streaming  bool              `json:"streaming"`
}

// SuspensionInfo is the wire form of an active suspension.
type SuspensionInfo struct {
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

func sortedUIDs[V any](m map[uint32]V) []uint32 {
	uids := make([]uint32, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids
}
