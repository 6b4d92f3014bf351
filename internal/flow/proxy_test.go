package flow

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/filter/filtertest"
	"github.com/rsclarke/flowgate/internal/rules"
	"github.com/rsclarke/flowgate/internal/sniff"
)

type fixture struct {
	proxy    *Proxy
	engine   *filter.Engine
	clock    *filtertest.Clock
	notifier *filtertest.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := filtertest.NewClock(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	notifier := &filtertest.Notifier{}

	cfg := filter.DefaultEngineConfig(filtertest.Resolver{}, zap.NewNop())
	cfg.Clock = clock
	cfg.Notifier = notifier
	engine := filter.New(cfg, filter.PersistedState{})
	t.Cleanup(engine.Close)

	pcfg := DefaultProxyConfig(zap.NewNop())
	pcfg.Now = clock.Now
	return &fixture{
		proxy:    NewProxy(engine, pcfg),
		engine:   engine,
		clock:    clock,
		notifier: notifier,
	}
}

func httpGet(host string) []byte {
	return []byte("GET / HTTP/1.1\r\nHost: " + host + "\r\n\r\n")
}

func newFlow(uid uint32, bundleID string) NewFlow {
	return NewFlow{
		ID:        uuid.New(),
		Token:     filtertest.Token(uid),
		BundleID:  bundleID,
		IPAddress: "93.184.216.34",
		Port:      80,
		Protocol:  rules.ProtocolTCP,
	}
}

func allowSafeCom(t *testing.T, e *filter.Engine) {
	t.Helper()
	key := rules.NewFilterKey(rules.Domain{Domain: "safe.com", Scope: rules.Unrestricted{}})
	rs := filter.RuleSet{Keychains: []rules.Keychain{{ID: uuid.New(), Keys: []rules.FilterKey{key}}}}
	if err := e.UserRules(502, rs); err != nil {
		t.Fatalf("UserRules: %v", err)
	}
}

func TestTwoPhaseFlow(t *testing.T) {
	fx := newFixture(t)
	allowSafeCom(t, fx.engine)

	safe := newFlow(502, "com.apple.Safari")
	if got := fx.proxy.OnNewFlow(safe); got != NeedBytes {
		t.Fatalf("OnNewFlow = %s, want needBytes", got)
	}
	if fx.proxy.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", fx.proxy.Pending())
	}
	if got := fx.proxy.OnOutboundBytes(safe.ID, httpGet("www.safe.com")); got != Allow {
		t.Errorf("www.safe.com = %s, want allow", got)
	}

	unsafe := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(unsafe)
	if got := fx.proxy.OnOutboundBytes(unsafe.ID, httpGet("unsafe.com")); got != Block {
		t.Errorf("unsafe.com = %s, want block", got)
	}

	if fx.proxy.Pending() != 0 {
		t.Errorf("Pending() = %d after both flows decided, want 0", fx.proxy.Pending())
	}
	// The tracking entry is one-shot: a second delivery passes through.
	if got := fx.proxy.OnOutboundBytes(unsafe.ID, httpGet("unsafe.com")); got != Allow {
		t.Errorf("untracked flow = %s, want allow", got)
	}
}

func TestEarlyVerdictsAreNotTracked(t *testing.T) {
	fx := newFixture(t)

	if got := fx.proxy.OnNewFlow(newFlow(0, "com.apple.softwareupdated")); got != Allow {
		t.Errorf("system user = %s, want allow", got)
	}

	missing := newFlow(0, "com.example")
	missing.Token = filter.AuditToken{PID: 12345}
	if got := fx.proxy.OnNewFlow(missing); got != Block {
		t.Errorf("unresolved user = %s, want block", got)
	}

	if fx.proxy.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fx.proxy.Pending())
	}
}

func TestUnresolvedHostnameFailsClosed(t *testing.T) {
	fx := newFixture(t)
	allowSafeCom(t, fx.engine)

	f := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(f)
	if got := fx.proxy.OnOutboundBytes(f.ID, []byte{0x00, 0x01}); got != Block {
		t.Errorf("unsniffable flow = %s, want block", got)
	}
}

func TestOSProvidedHostnameIsUsed(t *testing.T) {
	fx := newFixture(t)
	allowSafeCom(t, fx.engine)

	f := newFlow(502, "com.apple.Safari")
	f.Hostname = "safe.com"
	fx.proxy.OnNewFlow(f)
	if got := fx.proxy.OnOutboundBytes(f.ID, []byte{0x00}); got != Allow {
		t.Errorf("flow with known hostname = %s, want allow", got)
	}
}

func TestObservationCounters(t *testing.T) {
	fx := newFixture(t)
	allowSafeCom(t, fx.engine)

	for _, f := range []NewFlow{
		newFlow(502, "com.apple.Safari"),
		newFlow(502, "com.apple.Safari"),
		newFlow(0, "com.apple.Safari"),
		newFlow(502, ""),
	} {
		if fx.proxy.OnNewFlow(f) == NeedBytes {
			fx.proxy.OnOutboundBytes(f.ID, httpGet("unsafe.com"))
		}
	}

	want := map[string]int{"com.apple.Safari": 3, "unknown": 1}
	got := fx.proxy.Observations()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}

	got["com.apple.Safari"] = 100
	if fx.proxy.Observations()["com.apple.Safari"] != 3 {
		t.Error("Observations() returned the live map")
	}
}

func TestBlockStreamingScenario(t *testing.T) {
	fx := newFixture(t)
	fx.engine.SetBlockStreaming(502, true)

	blocked := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(blocked)
	fx.proxy.OnOutboundBytes(blocked.ID, httpGet("unsafe.com"))

	reqs := fx.notifier.BlockedFor(502)
	if len(reqs) != 1 {
		t.Fatalf("streamed %d requests, want 1", len(reqs))
	}
	want := filter.BlockedRequest{
		ID:        blocked.ID,
		Time:      fx.clock.Now(),
		App:       "com.apple.Safari",
		URL:       "http://unsafe.com/",
		Hostname:  "unsafe.com",
		IPAddress: "93.184.216.34",
		Protocol:  rules.ProtocolTCP,
	}
	if diff := cmp.Diff(want, reqs[0]); diff != "" {
		t.Errorf("blocked request mismatch (-want +got):\n%s", diff)
	}

	fx.clock.Advance(5*time.Minute + time.Second)
	late := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(late)
	fx.proxy.OnOutboundBytes(late.ID, httpGet("unsafe.com"))

	if got := len(fx.notifier.BlockedFor(502)); got != 1 {
		t.Errorf("streamed %d requests after the deadline, want 1", got)
	}
}

func TestDowntimeBlockIsStreamedEarly(t *testing.T) {
	fx := newFixture(t)
	downtime := rules.TimeWindow{Start: rules.PlainTime{Hour: 9}, End: rules.PlainTime{Hour: 11}}
	if err := fx.engine.UserRules(502, filter.RuleSet{Downtime: &downtime}); err != nil {
		t.Fatalf("UserRules: %v", err)
	}
	fx.engine.SetBlockStreaming(502, true)

	f := newFlow(502, "com.apple.Safari")
	f.Hostname = "safe.com"
	if got := fx.proxy.OnNewFlow(f); got != Block {
		t.Fatalf("OnNewFlow during downtime = %s, want block", got)
	}
	if fx.proxy.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fx.proxy.Pending())
	}

	want := []filter.BlockedRequest{{
		ID:        f.ID,
		Time:      fx.clock.Now(),
		App:       "com.apple.Safari",
		Hostname:  "safe.com",
		IPAddress: "93.184.216.34",
		Protocol:  rules.ProtocolTCP,
	}}
	if diff := cmp.Diff(want, fx.notifier.BlockedFor(502)); diff != "" {
		t.Errorf("streamed requests mismatch (-want +got):\n%s", diff)
	}

	missing := newFlow(0, "com.example")
	missing.Token = filter.AuditToken{PID: 12345}
	fx.proxy.OnNewFlow(missing)
	if got := len(fx.notifier.BlockedFor(0)); got != 0 {
		t.Errorf("streamed %d requests for an unresolved user", got)
	}
}

func TestNoStreamingWithoutListener(t *testing.T) {
	fx := newFixture(t)
	f := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(f)
	fx.proxy.OnOutboundBytes(f.ID, httpGet("unsafe.com"))
	if got := len(fx.notifier.BlockedFor(502)); got != 0 {
		t.Errorf("streamed %d requests without a listener", got)
	}
}

func TestForgetAndPrune(t *testing.T) {
	fx := newFixture(t)
	a := newFlow(502, "a")
	b := newFlow(502, "b")
	fx.proxy.OnNewFlow(a)
	fx.clock.Advance(time.Minute)
	fx.proxy.OnNewFlow(b)

	if !fx.proxy.Forget(b.ID) {
		t.Error("Forget reported an untracked flow")
	}
	if fx.proxy.Forget(b.ID) {
		t.Error("Forget succeeded twice")
	}

	fx.proxy.OnNewFlow(b)
	if n := fx.proxy.Prune(30 * time.Second); n != 1 {
		t.Errorf("Prune removed %d flows, want 1", n)
	}
	if fx.proxy.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", fx.proxy.Pending())
	}
}

func TestSnifferInjection(t *testing.T) {
	fx := newFixture(t)
	allowSafeCom(t, fx.engine)
	fx.proxy.sniffer = sniff.Func(func([]byte, int, rules.IPProtocol) (sniff.Result, error) {
		return sniff.Result{Hostname: "safe.com"}, nil
	})

	f := newFlow(502, "com.apple.Safari")
	fx.proxy.OnNewFlow(f)
	if got := fx.proxy.OnOutboundBytes(f.ID, nil); got != Allow {
		t.Errorf("got %s, want allow", got)
	}
}

func TestAllowLogCarriesKeyID(t *testing.T) {
	fx := newFixture(t)
	core, logs := observer.New(zapcore.DebugLevel)
	pcfg := DefaultProxyConfig(zap.New(core))
	pcfg.Now = fx.clock.Now
	proxy := NewProxy(fx.engine, pcfg)

	key := rules.NewFilterKey(rules.Domain{Domain: "safe.com", Scope: rules.Unrestricted{}})
	rs := filter.RuleSet{Keychains: []rules.Keychain{{ID: uuid.New(), Keys: []rules.FilterKey{key}}}}
	if err := fx.engine.UserRules(502, rs); err != nil {
		t.Fatalf("UserRules: %v", err)
	}

	f := newFlow(502, "com.apple.Safari")
	proxy.OnNewFlow(f)
	if got := proxy.OnOutboundBytes(f.ID, httpGet("safe.com")); got != Allow {
		t.Fatalf("safe.com = %s, want allow", got)
	}

	entries := logs.FilterMessage("flow allowed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d flow allowed entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["key_id"] != key.ID.String() {
		t.Errorf("key_id = %v, want %s", fields["key_id"], key.ID)
	}
	if fields["reason"] != "permittedByKey" {
		t.Errorf("reason = %v, want permittedByKey", fields["reason"])
	}
}
