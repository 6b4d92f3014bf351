// Package api defines the JSON bodies exchanged over the companion channel.
package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/identity"
	"github.com/rsclarke/flowgate/internal/rules"
)

// RulesRequest replaces a user's keys. Keys, when present, become one
// unscheduled keychain appended after Keychains.
type RulesRequest struct {
	Keychains []rules.Keychain    `json:"keychains,omitempty"`
	Keys      []rules.FilterKey   `json:"keys,omitempty"`
	Downtime  *rules.TimeWindow   `json:"downtime,omitempty"`
	Manifest  rules.AppIDManifest `json:"manifest"`
}

// RuleSet converts the request into the engine's command payload.
func (r RulesRequest) RuleSet() filter.RuleSet {
	keychains := make([]rules.Keychain, 0, len(r.Keychains)+1)
	keychains = append(keychains, r.Keychains...)
	if len(r.Keys) > 0 {
		keychains = append(keychains, rules.Keychain{ID: uuid.New(), Keys: r.Keys})
	}
	return filter.RuleSet{Keychains: keychains, Downtime: r.Downtime, Manifest: r.Manifest}
}

type CommandResponse struct {
	UserID    uint32 `json:"user_id"`
	Persisted bool   `json:"persisted"`
}

type SuspendRequest struct {
	Seconds int64           `json:"seconds"`
	Scope   json.RawMessage `json:"scope,omitempty"`
}

type SuspendResponse struct {
	UserID    uint32    `json:"user_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EndSuspensionResponse struct {
	UserID uint32 `json:"user_id"`
	Ended  bool   `json:"ended"`
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

type StreamingResponse struct {
	UserID  uint32 `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type HeartbeatResponse struct {
	CompanionAlive   bool     `json:"companion_alive"`
	SuspensionsEnded []uint32 `json:"suspensions_ended"`
}

type ObservationsResponse struct {
	Observations map[string]int `json:"observations"`
	PendingFlows int            `json:"pending_flows"`
}

type StatusResponse struct {
	Users          []uint32            `json:"users"`
	CompanionAlive bool                `json:"companion_alive"`
	Dirty          bool                `json:"dirty"`
	PendingFlows   int                 `json:"pending_flows"`
	Subscribers    int                 `json:"subscribers"`
	Process        *identity.SelfStats `json:"process,omitempty"`
}

// NewFlowRequest is sent by the interception hook when a flow opens. A zero
// ID asks the daemon to assign one.
type NewFlowRequest struct {
	ID        uuid.UUID        `json:"id"`
	PID       int32            `json:"pid"`
	UID       *uint32          `json:"uid,omitempty"`
	BundleID  string           `json:"bundle_id,omitempty"`
	Hostname  string           `json:"hostname,omitempty"`
	IPAddress string           `json:"ip_address,omitempty"`
	URL       string           `json:"url,omitempty"`
	Port      int              `json:"port"`
	Protocol  rules.IPProtocol `json:"ip_protocol"`
}

// OutboundBytesRequest carries the first outbound payload, base64 encoded.
type OutboundBytesRequest struct {
	Data []byte `json:"data"`
}

type FlowResponse struct {
	ID      uuid.UUID `json:"id"`
	Verdict string    `json:"verdict"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
