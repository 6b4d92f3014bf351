// Package filtertest provides test doubles for the filter engine's ports.
package filtertest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rsclarke/flowgate/internal/filter"
)

// Clock is a manually advanced filter.Clock. Timers fire synchronously from
// Advance or Set, in deadline order, and never from AfterFunc itself.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewClock returns a clock reading now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) filter.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and fires due timers.
func (c *Clock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to now and fires due timers.
func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	var due []*timer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	run(due)
}

// Sleep moves the clock forward by d without firing anything, the way a
// machine that slept through its timers would observe time.
func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FireStopped runs the callbacks of timers that were stopped before firing,
// as if each callback had already started when Stop was called.
func (c *Clock) FireStopped() {
	c.mu.Lock()
	var due []*timer
	for _, t := range c.timers {
		if t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	run(due)
}

func run(due []*timer) {
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Notifier records every notification.
type Notifier struct {
	mu      sync.Mutex
	Ended   []uint32
	Blocked map[uint32][]filter.BlockedRequest
}

func (n *Notifier) SuspensionEnded(uid uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Ended = append(n.Ended, uid)
}

func (n *Notifier) BlockedRequest(uid uint32, req filter.BlockedRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Blocked == nil {
		n.Blocked = make(map[uint32][]filter.BlockedRequest)
	}
	n.Blocked[uid] = append(n.Blocked[uid], req)
}

// EndedFor counts suspension-ended notifications for uid.
func (n *Notifier) EndedFor(uid uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, u := range n.Ended {
		if u == uid {
			count++
		}
	}
	return count
}

// BlockedFor returns the blocked requests streamed for uid.
func (n *Notifier) BlockedFor(uid uint32) []filter.BlockedRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]filter.BlockedRequest(nil), n.Blocked[uid]...)
}

// Persister keeps the last saved state in memory. Err, when set, fails every
// save.
type Persister struct {
	mu    sync.Mutex
	Err   error
	Saves int
	Last  filter.PersistedState
}

func (p *Persister) Save(state filter.PersistedState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Saves++
	p.Last = state
	return nil
}

// SetErr changes the failure injected into later saves.
func (p *Persister) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Resolver maps pids to uids. Tokens carrying a uid resolve to it directly.
type Resolver map[int32]uint32

var errUnknownPID = errors.New("unknown pid")

func (r Resolver) ResolveUser(tok filter.AuditToken) (uint32, error) {
	if tok.UID != nil {
		return *tok.UID, nil
	}
	uid, ok := r[tok.PID]
	if !ok {
		return 0, errUnknownPID
	}
	return uid, nil
}

// Token returns an audit token carrying uid.
func Token(uid uint32) filter.AuditToken {
	return filter.AuditToken{UID: &uid}
}
