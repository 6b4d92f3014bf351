package events

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/rules"
)

func fixedHub() *Hub {
	h := NewHub(nil)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return h
}

func recv(t *testing.T, sub *Subscription) (Envelope, bool) {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		return env, ok
	default:
		return Envelope{}, false
	}
}

func TestHubFiltersByUser(t *testing.T) {
	h := fixedHub()
	uid := uint32(502)
	mine := h.Subscribe(&uid)
	all := h.Subscribe(nil)

	h.SuspensionEnded(501)
	h.SuspensionEnded(502)

	env, ok := recv(t, mine)
	if !ok || env.UserID != 502 || env.Kind != KindSuspensionEnded {
		t.Fatalf("uid subscriber got %+v, %v", env, ok)
	}
	if _, ok := recv(t, mine); ok {
		t.Error("uid subscriber received another user's envelope")
	}

	for _, want := range []uint32{501, 502} {
		env, ok := recv(t, all)
		if !ok || env.UserID != want {
			t.Errorf("all subscriber got %+v, want uid %d", env, want)
		}
	}
}

func TestHubBlockedRequestEnvelope(t *testing.T) {
	h := fixedHub()
	sub := h.Subscribe(nil)

	req := filter.BlockedRequest{
		ID:       uuid.MustParse("5b0e3c9e-2f41-4d53-a5a3-6a5f0d2b9c11"),
		Time:     time.Date(2026, 3, 2, 9, 59, 0, 0, time.UTC),
		App:      "Safari",
		Hostname: "example.com",
		Protocol: rules.ProtocolTCP,
	}
	h.BlockedRequest(502, req)

	env, ok := recv(t, sub)
	if !ok {
		t.Fatal("no envelope delivered")
	}
	want := Envelope{
		Kind:    KindBlockedRequest,
		UserID:  502,
		Time:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Request: &req,
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := fixedHub()
	h.buffer = 1
	sub := h.Subscribe(nil)

	done := make(chan struct{})
	go func() {
		h.SuspensionEnded(1)
		h.SuspensionEnded(2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	env, _ := recv(t, sub)
	if env.UserID != 1 {
		t.Errorf("first envelope uid = %d, want 1", env.UserID)
	}
	if _, ok := recv(t, sub); ok {
		t.Error("overflowing envelope should have been dropped")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := fixedHub()
	sub := h.Subscribe(nil)
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
	h.SuspensionEnded(1)
}

func TestCloseEndsEverySubscription(t *testing.T) {
	h := fixedHub()
	a, b := h.Subscribe(nil), h.Subscribe(nil)
	h.Close()
	for _, sub := range []*Subscription{a, b} {
		if _, ok := <-sub.C; ok {
			t.Error("channel still open after Close")
		}
	}
	h.Unsubscribe(a)
}
