package filter

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/appid"
	"github.com/rsclarke/flowgate/internal/logging"
	"github.com/rsclarke/flowgate/internal/rules"
)

// EngineConfig holds the engine's thresholds and collaborators. Persister and
// Notifier may be nil.
type EngineConfig struct {
	SystemUIDCutoff  uint32
	CompanionTimeout time.Duration
	StreamTTL        time.Duration

	Clock     Clock
	Users     UserResolver
	Persister Persister
	Notifier  Notifier
	Logger    *zap.Logger
}

// DefaultEngineConfig returns the thresholds the daemon uses unless
// configured otherwise, running on the system clock.
func DefaultEngineConfig(users UserResolver, logger *zap.Logger) EngineConfig {
	return EngineConfig{
		SystemUIDCutoff:  500,
		CompanionTimeout: 90 * time.Second,
		StreamTTL:        5 * time.Minute,
		Clock:            SystemClock(),
		Users:            users,
		Logger:           logger,
	}
}

// Engine is the single owner of decision state.
type Engine struct {
	cfg    EngineConfig
	clock  Clock
	logger *zap.Logger
	apps   *appid.Cache

	mu            sync.RWMutex
	userKeys      map[uint32][]rules.Keychain
	downtime      map[uint32]rules.TimeWindow
	exempt        map[uint32]struct{}
	manifest      rules.AppIDManifest
	suspensions   map[uint32]*suspensionEntry
	streaming     map[uint32]time.Time
	lastHeartbeat time.Time
	timerGen      uint64
	version       uint64

	saveMu       sync.Mutex
	savedVersion uint64
}

// New creates an engine seeded with previously persisted state.
func New(cfg EngineConfig, initial PersistedState) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger.Named("filter"),
		userKeys:    make(map[uint32][]rules.Keychain),
		downtime:    make(map[uint32]rules.TimeWindow),
		exempt:      make(map[uint32]struct{}),
		manifest:    initial.AppIDManifest,
		suspensions: make(map[uint32]*suspensionEntry),
		streaming:   make(map[uint32]time.Time),
	}
	for uid, kcs := range initial.UserKeychains {
		e.userKeys[uid] = kcs
	}
	for uid, w := range initial.UserDowntime {
		e.downtime[uid] = w
	}
	for _, uid := range initial.ExemptUsers {
		e.exempt[uid] = struct{}{}
	}
	e.apps = appid.New(e.currentManifest)

	e.logger.Info("decision state loaded",
		zap.Int("users", len(e.userKeys)),
		zap.Int("exempt_users", len(e.exempt)),
		zap.Int("downtime_users", len(e.downtime)),
	)
	return e
}

func (e *Engine) currentManifest() rules.AppIDManifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manifest
}

// LookupApp resolves bundleID against the current manifest, memoized.
func (e *Engine) LookupApp(bundleID string) rules.AppDescriptor {
	return e.apps.Lookup(bundleID)
}

// EarlyDecision resolves the flow's user and classifies it without flow bytes.
func (e *Engine) EarlyDecision(tok AuditToken) FromUserID {
	uid, err := e.resolveUser(tok)
	if err != nil {
		e.logger.Debug("user id unresolved", zap.Int32("pid", tok.PID), zap.Error(err))
		return blockEarly(Reason{Kind: ReasonMissingUserID})
	}

	e.mu.RLock()
	now := e.clock.Now()
	view := e.viewLocked(uid)
	alive := e.companionAliveLocked(now)
	e.mu.RUnlock()

	return EarlyDecision(view, now, alive, e.cfg.SystemUIDCutoff)
}

// CompletedDecision classifies a flow whose hostname, URL and app are known.
func (e *Engine) CompletedDecision(f rules.Flow) FromFlow {
	app := e.apps.Lookup(f.BundleID)

	e.mu.RLock()
	now := e.clock.Now()
	view := e.viewLocked(f.UserID)
	e.mu.RUnlock()

	return CompletedDecision(view, f, app, now)
}

func (e *Engine) resolveUser(tok AuditToken) (uint32, error) {
	if e.cfg.Users == nil {
		return 0, ErrMissingUserID
	}
	uid, err := e.cfg.Users.ResolveUser(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissingUserID, err)
	}
	return uid, nil
}

// View returns a snapshot of uid's decision inputs.
func (e *Engine) View(uid uint32) UserView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked(uid)
}

// viewLocked copies uid's state. Keychain slices are replaced wholesale on
// update and never mutated, so sharing them is safe.
func (e *Engine) viewLocked(uid uint32) UserView {
	v := UserView{UserID: uid, Keychains: e.userKeys[uid]}
	if w, ok := e.downtime[uid]; ok {
		v.Downtime = &w
	}
	_, v.Exempt = e.exempt[uid]
	if s, ok := e.suspensions[uid]; ok {
		cp := s.Suspension
		v.Suspension = &cp
	}
	return v
}

// UserRules replaces uid's keychains and downtime and the global manifest.
// Exemption is cleared only when at least one key is delivered.
func (e *Engine) UserRules(uid uint32, rs RuleSet) error {
	e.mu.Lock()
	if len(rs.Keychains) == 0 {
		delete(e.userKeys, uid)
	} else {
		e.userKeys[uid] = slices.Clone(rs.Keychains)
	}
	if rs.Downtime != nil {
		e.downtime[uid] = *rs.Downtime
	} else {
		delete(e.downtime, uid)
	}
	e.manifest = rs.Manifest
	nkeys := rules.CountKeys(rs.Keychains)
	_, wasExempt := e.exempt[uid]
	if nkeys > 0 {
		delete(e.exempt, uid)
	}
	snap, version := e.snapshotLocked()
	e.mu.Unlock()

	e.apps.Reset()
	e.logger.Info("user rules updated",
		logging.UserID(uid),
		zap.Int("keychains", len(rs.Keychains)),
		zap.Int("keys", nkeys),
		zap.Bool("exemption_cleared", wasExempt && nkeys > 0),
	)
	return e.persist(snap, version)
}

// SetUserExemption adds or removes uid from the exempt set.
func (e *Engine) SetUserExemption(uid uint32, enabled bool) error {
	e.mu.Lock()
	if enabled {
		e.exempt[uid] = struct{}{}
	} else {
		delete(e.exempt, uid)
	}
	snap, version := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("user exemption set", logging.UserID(uid), zap.Bool("exempt", enabled))
	return e.persist(snap, version)
}

// DisconnectUser removes every trace of uid in one step: keys, downtime,
// exemption, suspension and listener registration.
func (e *Engine) DisconnectUser(uid uint32) error {
	e.mu.Lock()
	delete(e.userKeys, uid)
	delete(e.downtime, uid)
	delete(e.exempt, uid)
	delete(e.streaming, uid)
	e.removeSuspensionLocked(uid)
	snap, version := e.snapshotLocked()
	e.mu.Unlock()

	e.logger.Info("user disconnected", logging.UserID(uid))
	return e.persist(snap, version)
}

// CompanionHeartbeat records companion liveness and sweeps stale state. It
// returns the uids whose suspension the sweep ended.
func (e *Engine) CompanionHeartbeat() []uint32 {
	e.mu.Lock()
	e.lastHeartbeat = e.clock.Now()
	e.mu.Unlock()
	return e.Sweep()
}

// CompanionAlive reports whether a heartbeat arrived within CompanionTimeout.
func (e *Engine) CompanionAlive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.companionAliveLocked(e.clock.Now())
}

func (e *Engine) companionAliveLocked(now time.Time) bool {
	if e.lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(e.lastHeartbeat) <= e.cfg.CompanionTimeout
}

// Sweep removes suspensions whose expiry has passed without their timer
// firing, notifying once for each, drops expired listener registrations and
// retries a failed save. It returns the uids whose suspension ended.
func (e *Engine) Sweep() []uint32 {
	e.mu.Lock()
	now := e.clock.Now()
	ended := e.sweepSuspensionsLocked(now)
	e.sweepStreamingLocked(now)
	e.mu.Unlock()

	for _, uid := range ended {
		e.logger.Info("stale suspension swept", logging.UserID(uid))
		e.notifySuspensionEnded(uid)
	}
	if err := e.Flush(); err != nil {
		e.logger.Warn("retrying state save failed", zap.Error(err))
	}
	return ended
}

// UserSummary describes uid's current state.
func (e *Engine) UserSummary(uid uint32) Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.clock.Now()
	v := e.viewLocked(uid)
	s := Summary{
		UserID:     uid,
		Keychains:  len(v.Keychains),
		Keys:       rules.CountKeys(v.Keychains),
		Exempt:     v.Exempt,
		Downtime:   v.Downtime,
		InDowntime: v.InDowntime(now),
		Streaming:  e.isStreamingLocked(uid, now),
	}
	if v.Suspension != nil && v.Suspension.ActiveAt(now) {
		s.Suspension = &SuspensionInfo{
			Scope:     rules.ScopeString(v.Suspension.Scope),
			ExpiresAt: v.Suspension.ExpiresAt,
		}
	}
	return s
}

// Users returns every uid with keys, downtime or exemption, ascending.
func (e *Engine) Users() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := make(map[uint32]struct{}, len(e.userKeys))
	for uid := range e.userKeys {
		set[uid] = struct{}{}
	}
	for uid := range e.downtime {
		set[uid] = struct{}{}
	}
	maps.Copy(set, e.exempt)
	return sortedUIDs(set)
}

// snapshotLocked copies the durable state and stamps it with a new version.
// The caller must hold the write lock.
func (e *Engine) snapshotLocked() (PersistedState, uint64) {
	s := PersistedState{
		UserKeychains: maps.Clone(e.userKeys),
		UserDowntime:  maps.Clone(e.downtime),
		AppIDManifest: e.manifest,
		ExemptUsers:   sortedUIDs(e.exempt),
	}
	if s.UserKeychains == nil {
		s.UserKeychains = map[uint32][]rules.Keychain{}
	}
	e.version++
	return s, e.version
}

// Dirty reports whether the latest state has not been saved.
func (e *Engine) Dirty() bool {
	e.mu.RLock()
	version := e.version
	e.mu.RUnlock()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.cfg.Persister != nil && e.savedVersion < version
}

// Flush saves the current state if an earlier save failed.
func (e *Engine) Flush() error {
	if !e.Dirty() {
		return nil
	}
	e.mu.Lock()
	snap, version := e.snapshotLocked()
	e.mu.Unlock()
	return e.persist(snap, version)
}

// persist saves snap unless a newer snapshot has already been saved. A
// failure leaves the engine dirty so the next mutation or sweep retries.
func (e *Engine) persist(snap PersistedState, version uint64) error {
	if e.cfg.Persister == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if version <= e.savedVersion {
		return nil
	}
	if err := e.cfg.Persister.Save(snap); err != nil {
		e.logger.Error("failed to persist state", zap.Uint64("version", version), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	e.savedVersion = version
	return nil
}

func (e *Engine) notifySuspensionEnded(uid uint32) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.SuspensionEnded(uid)
	}
}

// Close disarms every suspension timer.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for uid := range e.suspensions {
		e.removeSuspensionLocked(uid)
	}
}
