// Package flow bridges the two interception callbacks for a connection: the
// new-flow callback, answered from the user alone, and the outbound-bytes
// callback, answered once the destination is known.
package flow

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/logging"
	"github.com/rsclarke/flowgate/internal/rules"
	"github.com/rsclarke/flowgate/internal/sniff"
)

// Verdict is the answer returned to the interception hook.
type Verdict int

// Verdicts. NeedBytes defers the decision to the outbound-bytes callback.
const (
	Allow Verdict = iota
	Block
	NeedBytes
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case NeedBytes:
		return "needBytes"
	default:
		return "unknown"
	}
}

const unknownBundle = "unknown"

// NewFlow is what the hook knows when a connection is opened. Hostname and
// URL are set only when the OS already resolved them.
type NewFlow struct {
	ID        uuid.UUID
	Token     filter.AuditToken
	BundleID  string
	Hostname  string
	IPAddress string
	URL       string
	Port      int
	Protocol  rules.IPProtocol
}

// Engine is the decision surface the proxy depends on.
type Engine interface {
	EarlyDecision(tok filter.AuditToken) filter.FromUserID
	CompletedDecision(f rules.Flow) filter.FromFlow
	LookupApp(bundleID string) rules.AppDescriptor
	StreamBlocked(uid uint32, req filter.BlockedRequest) bool
}

// ProxyConfig holds the proxy's collaborators and log rate limits.
type ProxyConfig struct {
	Sniffer sniff.Sniffer
	Logger  *zap.Logger
	Now     func() time.Time

	// ObservedLogRate bounds how often deferred flows are logged at info.
	ObservedLogRate  rate.Limit
	ObservedLogBurst int
}

// DefaultProxyConfig returns the configuration used by the daemon.
func DefaultProxyConfig(logger *zap.Logger) ProxyConfig {
	return ProxyConfig{
		Sniffer:          sniff.Default(),
		Logger:           logger,
		Now:              time.Now,
		ObservedLogRate:  rate.Limit(20),
		ObservedLogBurst: 50,
	}
}

type pendingFlow struct {
	flow  rules.Flow
	since time.Time
}

// Proxy tracks deferred flows between their two callbacks.
type Proxy struct {
	engine  Engine
	sniffer sniff.Sniffer
	logger  *zap.Logger
	now     func() time.Time
	limiter *rate.Limiter

	mu           sync.Mutex
	pending      map[uuid.UUID]pendingFlow
	observations map[string]int
	suppressed   int
}

// NewProxy creates a proxy deciding flows with engine.
func NewProxy(engine Engine, cfg ProxyConfig) *Proxy {
	if cfg.Sniffer == nil {
		cfg.Sniffer = sniff.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ObservedLogRate == 0 {
		cfg.ObservedLogRate = rate.Inf
	}
	return &Proxy{
		engine:       engine,
		sniffer:      cfg.Sniffer,
		logger:       cfg.Logger.Named("flow"),
		now:          cfg.Now,
		limiter:      rate.NewLimiter(cfg.ObservedLogRate, max(cfg.ObservedLogBurst, 1)),
		pending:      make(map[uuid.UUID]pendingFlow),
		observations: make(map[string]int),
	}
}

// OnNewFlow answers the new-flow callback. Early verdicts are returned
// without tracking; deferred flows are remembered and NeedBytes is returned.
func (p *Proxy) OnNewFlow(nf NewFlow) Verdict {
	p.observe(nf.BundleID)

	d := p.engine.EarlyDecision(nf.Token)
	switch d.Kind {
	case filter.EarlyAllow:
		p.logger.Debug("flow allowed early",
			logging.FlowID(nf.ID), logging.UserID(d.UserID), logging.Reason(d.Reason.String()))
		return Allow
	case filter.EarlyBlock:
		p.logger.Debug("flow blocked early",
			logging.FlowID(nf.ID), logging.UserID(d.UserID), logging.Verdict(d.String()))
		return Block
	}

	f := rules.Flow{
		ID:        nf.ID,
		UserID:    d.UserID,
		Hostname:  nf.Hostname,
		IPAddress: nf.IPAddress,
		URL:       nf.URL,
		BundleID:  nf.BundleID,
		Port:      nf.Port,
		Protocol:  nf.Protocol,
	}
	if d.Kind == filter.EarlyBlockDuringDowntime {
		p.logger.Debug("flow blocked early",
			logging.FlowID(nf.ID), logging.UserID(d.UserID), logging.Verdict(d.String()))
		p.streamBlocked(f)
		return Block
	}

	app := p.engine.LookupApp(nf.BundleID)

	p.mu.Lock()
	p.pending[nf.ID] = pendingFlow{flow: f, since: p.now()}
	p.mu.Unlock()

	p.logObserved(f, app)
	return NeedBytes
}

// OnOutboundBytes answers the outbound-bytes callback for a deferred flow.
// Untracked flows pass. The tracking entry is consumed either way.
func (p *Proxy) OnOutboundBytes(flowID uuid.UUID, data []byte) Verdict {
	p.mu.Lock()
	pf, ok := p.pending[flowID]
	delete(p.pending, flowID)
	p.mu.Unlock()
	if !ok {
		return Allow
	}

	f := pf.flow
	res, err := p.sniffer.Sniff(data, f.Port, f.Protocol)
	if err != nil {
		p.logger.Debug("hostname not sniffed", logging.FlowID(f.ID), logging.Port(f.Port), zap.Error(err))
	}
	if res.Hostname != "" {
		f.Hostname = res.Hostname
	}
	if res.URL != "" {
		f.URL = res.URL
	}

	d := p.engine.CompletedDecision(f)
	if d.Allow {
		fields := []zap.Field{
			logging.FlowID(f.ID), logging.UserID(f.UserID), logging.Hostname(f.Hostname),
			logging.Reason(d.Reason.Kind.String()),
		}
		if d.Reason.Kind == filter.ReasonPermittedByKey {
			fields = append(fields, logging.KeyID(d.Reason.KeyID))
		}
		p.logger.Debug("flow allowed", fields...)
		return Allow
	}

	p.logger.Info("flow blocked",
		logging.FlowID(f.ID), logging.UserID(f.UserID), logging.BundleID(f.BundleID),
		logging.Hostname(f.Hostname), logging.RemoteIP(f.IPAddress), logging.Reason(d.Reason.String()))
	p.streamBlocked(f)
	return Block
}

func (p *Proxy) streamBlocked(f rules.Flow) {
	req := filter.BlockedRequest{
		ID:        f.ID,
		Time:      p.now(),
		App:       p.engine.LookupApp(f.BundleID).Name(),
		URL:       f.URL,
		Hostname:  f.Hostname,
		IPAddress: f.IPAddress,
		Protocol:  f.Protocol,
	}
	if p.engine.StreamBlocked(f.UserID, req) {
		p.logger.Debug("blocked request streamed", logging.FlowID(f.ID), logging.UserID(f.UserID))
	}
}

func (p *Proxy) observe(bundleID string) {
	if bundleID == "" {
		bundleID = unknownBundle
	}
	p.mu.Lock()
	p.observations[bundleID]++
	p.mu.Unlock()
}

func (p *Proxy) logObserved(f rules.Flow, app rules.AppDescriptor) {
	if !p.limiter.Allow() {
		p.mu.Lock()
		p.suppressed++
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	suppressed := p.suppressed
	p.suppressed = 0
	p.mu.Unlock()

	fields := []zap.Field{
		logging.FlowID(f.ID),
		logging.UserID(f.UserID),
		logging.BundleID(f.BundleID),
		zap.String("app", app.Name()),
		zap.Bool("browser", app.IsBrowser),
		logging.Port(f.Port),
		logging.Protocol(f.Protocol.String()),
	}
	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	p.logger.Info("flow observed", fields...)
}

// Observations returns a copy of the per-bundle-id flow counters.
func (p *Proxy) Observations() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.observations)
}

// Pending returns the number of flows waiting for outbound bytes.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Forget drops a deferred flow the OS closed before sending bytes.
func (p *Proxy) Forget(flowID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[flowID]
	delete(p.pending, flowID)
	return ok
}

// Prune drops deferred flows older than maxAge and returns how many.
func (p *Proxy) Prune(maxAge time.Duration) int {
	cutoff := p.now().Add(-maxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, pf := range p.pending {
		if pf.since.Before(cutoff) {
			delete(p.pending, id)
			n++
		}
	}
	return n
}
