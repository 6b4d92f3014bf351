package filter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rsclarke/flowgate/internal/rules"
)

// ReasonKind identifies why a verdict was reached.
type ReasonKind int

// Reason kinds. UserID accompanies every kind except ReasonMissingUserID.
const (
	ReasonMissingUserID ReasonKind = iota + 1
	ReasonSystemUser
	ReasonExemptUser
	ReasonFilterSuspended
	ReasonPermittedByKey
	ReasonDefaultNotAllowed
	ReasonDowntime
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonMissingUserID:
		return "missingUserId"
	case ReasonSystemUser:
		return "systemUser"
	case ReasonExemptUser:
		return "exemptUser"
	case ReasonFilterSuspended:
		return "filterSuspended"
	case ReasonPermittedByKey:
		return "permittedByKey"
	case ReasonDefaultNotAllowed:
		return "defaultNotAllowed"
	case ReasonDowntime:
		return "downtime"
	default:
		return fmt.Sprintf("reason(%d)", int(k))
	}
}

// Reason explains a verdict. UserID is set for the user-scoped kinds and
// KeyID only for ReasonPermittedByKey.
type Reason struct {
	Kind   ReasonKind
	UserID uint32
	KeyID  uuid.UUID
}

func (r Reason) String() string {
	switch r.Kind {
	case ReasonSystemUser, ReasonExemptUser, ReasonFilterSuspended:
		return fmt.Sprintf("%s(%d)", r.Kind, r.UserID)
	case ReasonPermittedByKey:
		return fmt.Sprintf("%s(%s)", r.Kind, r.KeyID)
	default:
		return r.Kind.String()
	}
}

// EarlyKind is the shape of an early decision.
type EarlyKind int

// Early decision kinds. EarlyNone defers to the completed phase.
const (
	EarlyNone EarlyKind = iota
	EarlyAllow
	EarlyBlock
	EarlyBlockDuringDowntime
)

func (k EarlyKind) String() string {
	switch k {
	case EarlyAllow:
		return "allow"
	case EarlyBlock:
		return "block"
	case EarlyBlockDuringDowntime:
		return "blockDuringDowntime"
	default:
		return "none"
	}
}

// FromUserID is the verdict reached before any flow bytes are read.
// EarlyNone defers the flow to the completed decision.
type FromUserID struct {
	Kind   EarlyKind
	Reason Reason
	UserID uint32
}

// Decided reports whether the flow has a final verdict.
func (d FromUserID) Decided() bool { return d.Kind != EarlyNone }

// Allowed reports whether a decided flow may proceed.
func (d FromUserID) Allowed() bool { return d.Kind == EarlyAllow }

func (d FromUserID) String() string {
	switch d.Kind {
	case EarlyAllow, EarlyBlock:
		return fmt.Sprintf("%s(%s)", d.Kind, d.Reason)
	default:
		return fmt.Sprintf("%s(%d)", d.Kind, d.UserID)
	}
}

// FromFlow is the final verdict for a flow whose metadata has been resolved.
type FromFlow struct {
	Allow  bool
	Reason Reason
}

func (d FromFlow) String() string {
	if d.Allow {
		return fmt.Sprintf("allow(%s)", d.Reason)
	}
	return fmt.Sprintf("block(%s)", d.Reason)
}

func allowEarly(r Reason) FromUserID {
	return FromUserID{Kind: EarlyAllow, Reason: r, UserID: r.UserID}
}

func blockEarly(r Reason) FromUserID {
	return FromUserID{Kind: EarlyBlock, Reason: r, UserID: r.UserID}
}

// Suspension is a temporary allow override for one user.
type Suspension struct {
	Scope     rules.Scope
	ExpiresAt time.Time
}

// ActiveAt reports whether the suspension has not yet expired at now.
func (s Suspension) ActiveAt(now time.Time) bool { return now.Before(s.ExpiresAt) }

// UserView is a consistent copy of one user's decision inputs.
type UserView struct {
	UserID     uint32
	Keychains  []rules.Keychain
	Downtime   *rules.TimeWindow
	Exempt     bool
	Suspension *Suspension
}

// InDowntime reports whether now falls inside the user's downtime window.
func (v UserView) InDowntime(now time.Time) bool {
	return v.Downtime != nil && v.Downtime.Contains(now)
}

// EarlyDecision classifies a flow from its user alone. Checks run in priority
// order: system account, downtime, exemption, unrestricted suspension.
func EarlyDecision(view UserView, now time.Time, companionAlive bool, systemUIDCutoff uint32) FromUserID {
	uid := view.UserID
	if uid < systemUIDCutoff {
		return allowEarly(Reason{Kind: ReasonSystemUser, UserID: uid})
	}
	if view.InDowntime(now) {
		return FromUserID{Kind: EarlyBlockDuringDowntime, Reason: Reason{Kind: ReasonDowntime, UserID: uid}, UserID: uid}
	}
	if view.Exempt {
		return allowEarly(Reason{Kind: ReasonExemptUser, UserID: uid})
	}
	if s := view.Suspension; s != nil && s.ActiveAt(now) && companionAlive {
		if _, ok := s.Scope.(rules.Unrestricted); ok {
			return allowEarly(Reason{Kind: ReasonFilterSuspended, UserID: uid})
		}
	}
	return FromUserID{Kind: EarlyNone, UserID: uid}
}

// CompletedDecision classifies a flow with resolved metadata. The first
// matching key in an active keychain wins; anything else is blocked.
func CompletedDecision(view UserView, f rules.Flow, app rules.AppDescriptor, now time.Time) FromFlow {
	uid := view.UserID
	if view.InDowntime(now) {
		return FromFlow{Reason: Reason{Kind: ReasonDowntime, UserID: uid}}
	}
	if s := view.Suspension; s != nil && s.ActiveAt(now) && rules.ScopeMatches(s.Scope, app) {
		return FromFlow{Allow: true, Reason: Reason{Kind: ReasonFilterSuspended, UserID: uid}}
	}
	for _, kc := range view.Keychains {
		if !kc.ActiveAt(now) {
			continue
		}
		for _, fk := range kc.Keys {
			if rules.Matches(fk.Key, f, app) {
				return FromFlow{Allow: true, Reason: Reason{Kind: ReasonPermittedByKey, UserID: uid, KeyID: fk.ID}}
			}
		}
	}
	return FromFlow{Reason: Reason{Kind: ReasonDefaultNotAllowed, UserID: uid}}
}
