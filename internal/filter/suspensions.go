package filter

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/logging"
	"github.com/rsclarke/flowgate/internal/rules"
)

// suspensionEntry is one user's suspension plus its armed timer. gen
// identifies the timer; a callback whose gen no longer matches is stale.
type suspensionEntry struct {
	Suspension
	timer Timer
	gen   uint64
}

// SuspendFilter grants uid a suspension for d with the given scope. An
// unexpired suspension is extended from its current expiry and takes the new
// scope. An expired one not yet swept is replaced as if absent, and its end
// is notified once, the way Sweep would have.
func (e *Engine) SuspendFilter(uid uint32, d time.Duration, scope rules.Scope) (Suspension, error) {
	if d <= 0 {
		return Suspension{}, fmt.Errorf("suspension duration must be positive, got %s", d)
	}
	if scope == nil {
		scope = rules.Unrestricted{}
	}

	e.mu.Lock()
	now := e.clock.Now()
	expiresAt := now.Add(d)
	extended, replacedStale := false, false
	if cur, ok := e.suspensions[uid]; ok {
		cur.timer.Stop()
		if cur.ActiveAt(now) {
			expiresAt = cur.ExpiresAt.Add(d)
			extended = true
		} else {
			replacedStale = true
		}
	}

	entry := &suspensionEntry{Suspension: Suspension{Scope: scope, ExpiresAt: expiresAt}}
	e.armLocked(uid, entry, expiresAt.Sub(now))
	e.suspensions[uid] = entry
	e.mu.Unlock()

	if replacedStale {
		e.logger.Info("filter suspension expired", logging.UserID(uid))
		e.notifySuspensionEnded(uid)
	}

	e.logger.Info("filter suspended",
		logging.UserID(uid),
		zap.Duration("duration", d),
		zap.String("scope", rules.ScopeString(scope)),
		logging.ExpiresAt(expiresAt),
		zap.Bool("extended", extended),
	)
	return entry.Suspension, nil
}

// EndFilterSuspension cancels uid's suspension without notifying. It reports
// whether a suspension existed.
func (e *Engine) EndFilterSuspension(uid uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removeSuspensionLocked(uid) {
		return false
	}
	e.logger.Info("filter suspension ended by companion", logging.UserID(uid))
	return true
}

// Suspension returns uid's current suspension, if any.
func (e *Engine) Suspension(uid uint32) (Suspension, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.suspensions[uid]
	if !ok {
		return Suspension{}, false
	}
	return s.Suspension, true
}

func (e *Engine) armLocked(uid uint32, entry *suspensionEntry, after time.Duration) {
	e.timerGen++
	gen := e.timerGen
	entry.gen = gen
	entry.timer = e.clock.AfterFunc(after, func() { e.suspensionExpired(uid, gen) })
}

func (e *Engine) removeSuspensionLocked(uid uint32) bool {
	cur, ok := e.suspensions[uid]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(e.suspensions, uid)
	return true
}

// suspensionExpired runs on timer fire. A fire for a removed or replaced
// suspension is a no-op.
func (e *Engine) suspensionExpired(uid uint32, gen uint64) {
	e.mu.Lock()
	cur, ok := e.suspensions[uid]
	if !ok || cur.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.suspensions, uid)
	e.mu.Unlock()

	e.logger.Info("filter suspension expired", logging.UserID(uid))
	e.notifySuspensionEnded(uid)
}

func (e *Engine) sweepSuspensionsLocked(now time.Time) []uint32 {
	var ended []uint32
	for uid, s := range e.suspensions {
		if s.ActiveAt(now) {
			continue
		}
		s.timer.Stop()
		delete(e.suspensions, uid)
		ended = append(ended, uid)
	}
	slices.Sort(ended)
	return ended
}
