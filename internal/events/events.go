// Package events fans companion notifications out to live subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/logging"
)

// Kind names the notification carried by an Envelope.
type Kind string

// Notification kinds.
const (
	KindBlockedRequest  Kind = "blocked_request"
	KindSuspensionEnded Kind = "suspension_ended"
)

// Envelope is one outbound notification.
type Envelope struct {
	Kind    Kind                   `json:"kind"`
	UserID  uint32                 `json:"user_id"`
	Time    time.Time              `json:"time"`
	Request *filter.BlockedRequest `json:"request,omitempty"`
}

const defaultBuffer = 64

// Subscription receives envelopes on C until it is closed.
type Subscription struct {
	C <-chan Envelope

	ch      chan Envelope
	uid     *uint32
	dropped int
}

func (s *Subscription) wants(uid uint32) bool {
	return s.uid == nil || *s.uid == uid
}

// Hub implements filter.Notifier by publishing to subscribers. Publishing
// never blocks: an envelope that does not fit a subscriber's buffer is
// dropped for that subscriber.
type Hub struct {
	logger *zap.Logger
	now    func() time.Time
	buffer int

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("events"),
		now:    time.Now,
		buffer: defaultBuffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for uid, or for every user when uid is nil.
func (h *Hub) Subscribe(uid *uint32) *Subscription {
	ch := make(chan Envelope, h.buffer)
	sub := &Subscription{C: ch, ch: ch, uid: uid}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	if sub.dropped > 0 {
		h.logger.Debug("subscriber dropped envelopes", zap.Int("dropped", sub.dropped))
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SuspensionEnded publishes a suspension_ended envelope.
func (h *Hub) SuspensionEnded(uid uint32) {
	h.publish(Envelope{Kind: KindSuspensionEnded, UserID: uid, Time: h.now()})
}

// BlockedRequest publishes a blocked_request envelope.
func (h *Hub) BlockedRequest(uid uint32, req filter.BlockedRequest) {
	h.publish(Envelope{Kind: KindBlockedRequest, UserID: uid, Time: h.now(), Request: &req})
}

func (h *Hub) publish(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for sub := range h.subs {
		if !sub.wants(env.UserID) {
			continue
		}
		select {
		case sub.ch <- env:
			delivered++
		default:
			sub.dropped++
		}
	}
	h.logger.Debug("published", zap.String("kind", string(env.Kind)), logging.UserID(env.UserID),
		zap.Int("delivered", delivered))
}

var _ filter.Notifier = (*Hub)(nil)
