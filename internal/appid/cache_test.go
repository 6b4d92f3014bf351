package appid

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rsclarke/flowgate/internal/rules"
)

func TestLookupMemoizes(t *testing.T) {
	var calls atomic.Int32
	m := rules.AppIDManifest{Apps: map[string][]string{"xcode": {"com.apple.dt.Xcode"}}}
	c := New(func() rules.AppIDManifest {
		calls.Add(1)
		return m
	})

	for i := 0; i < 5; i++ {
		app := c.Lookup("com.apple.dt.Xcode")
		if app.Slug != "xcode" {
			t.Fatalf("slug = %q, want xcode", app.Slug)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("manifest consulted %d times, want 1", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestResetPicksUpNewManifest(t *testing.T) {
	var mu sync.Mutex
	m := rules.AppIDManifest{Apps: map[string][]string{"old": {"com.example"}}}
	c := New(func() rules.AppIDManifest {
		mu.Lock()
		defer mu.Unlock()
		return m
	})

	if got := c.Lookup("com.example").Slug; got != "old" {
		t.Fatalf("slug = %q, want old", got)
	}

	mu.Lock()
	m = rules.AppIDManifest{Apps: map[string][]string{"new": {"com.example"}}}
	mu.Unlock()

	if got := c.Lookup("com.example").Slug; got != "old" {
		t.Errorf("slug before reset = %q, want cached old", got)
	}
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len() after reset = %d, want 0", c.Len())
	}
	if got := c.Lookup("com.example").Slug; got != "new" {
		t.Errorf("slug after reset = %q, want new", got)
	}
}

func TestConcurrentLookups(t *testing.T) {
	c := New(func() rules.AppIDManifest { return rules.AppIDManifest{} })
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Lookup("com.google.Chrome").IsBrowser {
				t.Error("chrome should be a browser")
			}
		}()
	}
	wg.Wait()
}

func TestLookupAfterResetDoesNotJoinStaleResolution(t *testing.T) {
	browser := rules.AppIDManifest{
		Apps:       map[string][]string{"acme": {"com.acme"}},
		Categories: map[string][]string{rules.BrowserCategory: {"acme"}},
	}
	plain := rules.AppIDManifest{Apps: map[string][]string{"acme": {"com.acme"}}}

	var (
		mu      sync.Mutex
		current = browser
		calls   int
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	c := New(func() rules.AppIDManifest {
		mu.Lock()
		calls++
		first := calls == 1
		m := current
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return m
	})

	done := make(chan rules.AppDescriptor)
	go func() { done <- c.Lookup("com.acme") }()
	<-entered

	mu.Lock()
	current = plain
	mu.Unlock()
	c.Reset()

	if app := c.Lookup("com.acme"); app.IsBrowser {
		t.Errorf("post-reset lookup IsBrowser = true, categories %v", app.Categories)
	}

	close(release)
	if app := <-done; !app.IsBrowser {
		t.Error("pre-reset lookup should see the manifest it started with")
	}
	if app := c.Lookup("com.acme"); app.IsBrowser {
		t.Error("stale descriptor was cached")
	}
}
