package filter

import (
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/logging"
)

// SetBlockStreaming registers uid's live listener until now+StreamTTL, or
// removes the registration.
func (e *Engine) SetBlockStreaming(uid uint32, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !enabled {
		delete(e.streaming, uid)
		e.logger.Debug("block streaming disabled", logging.UserID(uid))
		return
	}
	deadline := e.clock.Now().Add(e.cfg.StreamTTL)
	e.streaming[uid] = deadline
	e.logger.Debug("block streaming enabled", logging.UserID(uid), zap.Time("deadline", deadline))
}

// IsStreaming reports whether uid has a listener registration that has not
// passed its deadline.
func (e *Engine) IsStreaming(uid uint32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isStreamingLocked(uid, e.clock.Now())
}

func (e *Engine) isStreamingLocked(uid uint32, now time.Time) bool {
	deadline, ok := e.streaming[uid]
	return ok && now.Before(deadline)
}

func (e *Engine) sweepStreamingLocked(now time.Time) {
	for uid, deadline := range e.streaming {
		if !now.Before(deadline) {
			delete(e.streaming, uid)
		}
	}
}

// StreamBlocked emits req to uid's listener if one is live. Delivery is at
// most once and nothing is buffered when no listener is registered.
func (e *Engine) StreamBlocked(uid uint32, req BlockedRequest) bool {
	if e.cfg.Notifier == nil || !e.IsStreaming(uid) {
		return false
	}
	e.cfg.Notifier.BlockedRequest(uid, req)
	return true
}
