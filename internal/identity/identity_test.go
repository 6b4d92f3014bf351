package identity

import (
	"context"
	"os"
	"testing"

	"github.com/rsclarke/flowgate/internal/filter"
)

func TestResolveUserPrefersTokenUID(t *testing.T) {
	uid := uint32(502)
	got, err := NewProcessResolver().ResolveUser(filter.AuditToken{PID: -1, UID: &uid})
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if got != 502 {
		t.Errorf("uid = %d, want 502", got)
	}
}

func TestResolveUserOwnProcess(t *testing.T) {
	r := NewProcessResolver()
	r.Timeout = 0
	got, err := r.ResolveUser(filter.AuditToken{PID: int32(os.Getpid())})
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if want := uint32(os.Getuid()); got != want {
		t.Errorf("uid = %d, want %d", got, want)
	}
}

func TestResolveUserWithoutPID(t *testing.T) {
	if _, err := NewProcessResolver().ResolveUser(filter.AuditToken{}); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestExecutableID(t *testing.T) {
	tests := []struct {
		exe  string
		want string
	}{
		{"/Applications/Safari.app/Contents/MacOS/Safari", "Safari"},
		{"/usr/bin/curl", "curl"},
		{"/Applications/Google Chrome.app/Contents/Frameworks/Helper.app/Contents/MacOS/Helper", "Google Chrome"},
	}
	for _, tt := range tests {
		if got := executableID(tt.exe); got != tt.want {
			t.Errorf("executableID(%q) = %q, want %q", tt.exe, got, tt.want)
		}
	}
}

func TestSelf(t *testing.T) {
	stats, err := Self(context.Background(), int32(os.Getpid()))
	if err != nil {
		t.Skipf("process table unavailable: %v", err)
	}
	if stats.PID != int32(os.Getpid()) {
		t.Errorf("pid = %d, want %d", stats.PID, os.Getpid())
	}
}
