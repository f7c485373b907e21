package versioncheck

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/netop"
	"github.com/gridpulse/gridpulse/internal/notices"
)

const descriptor = `<versions>
    <version>
        <dbplatform>x86_64-pc-linux-gnu</dbplatform>
        <version_num>80400</version_num>
    </version>
    <version>
        <dbplatform>x86_64-pc-linux-gnu</dbplatform>
        <version_num>80600</version_num>
        <min_os_version>5.0</min_os_version>
    </version>
    <version>
        <dbplatform>windows_x86_64</dbplatform>
        <version_num>90000</version_num>
    </version>
    <version>
        <dbplatform>x86_64-pc-linux-gnu</dbplatform>
        <version_num>80800</version_num>
        <min_os_version>7.0</min_os_version>
    </version>
</versions>`

func TestNewest_PlatformAndBounds(t *testing.T) {
	tests := []struct {
		name      string
		platform  string
		osVersion string
		want      int
	}{
		{"picks highest in bounds", "x86_64-pc-linux-gnu", "6.1", 80600},
		{"old os falls back", "x86_64-pc-linux-gnu", "4.4", 80400},
		{"new os unlocks newest", "x86_64-pc-linux-gnu", "7.2", 80800},
		{"other platform ignored", "powerpc-apple-darwin", "6.1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Newest([]byte(descriptor), tt.platform, tt.osVersion)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if tt.want == 0 {
				if got != nil {
					t.Fatalf("expected no match, got %d", got.VersionNum)
				}
				return
			}
			if got == nil || got.VersionNum != tt.want {
				t.Errorf("got %+v, want version_num %d", got, tt.want)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"6.1", "5.0", 1},
		{"5.0", "5.0", 0},
		{"4.19", "5.0", -1},
		{"5", "5.0.0", 0},
		{"5.0.1", "5.0", 1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPoller_ReportsNewerVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(descriptor))
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := notices.NewStore(dir)
	p := NewPoller(srv.URL, dir, "x86_64-pc-linux-gnu", "6.1",
		core.VersionInfo{Major: 8, Minor: 2, Release: 0},
		netop.NewChannel(srv.Client()), store)

	p.Poll()
	if !p.busy {
		t.Fatal("check should be in flight")
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.busy && time.Now().Before(deadline) {
		p.Poll()
		time.Sleep(5 * time.Millisecond)
	}

	if p.NewerVersion() != "8.6.0" {
		t.Errorf("newer version = %q, want 8.6.0", p.NewerVersion())
	}
	if store.Len() != 1 {
		t.Errorf("expected one update notice, got %d", store.Len())
	}
	if time.Until(p.nextCheck) < 13*24*time.Hour {
		t.Error("next check not rescheduled")
	}

	// State survives a restart.
	p2 := NewPoller(srv.URL, dir, "x86_64-pc-linux-gnu", "6.1",
		core.VersionInfo{Major: 8, Minor: 2, Release: 0},
		netop.NewChannel(srv.Client()), notices.NewStore(dir))
	if p2.NewerVersion() != "8.6.0" {
		t.Error("newer version not persisted")
	}
	p2.Poll()
	if p2.busy {
		t.Error("no check should start before the persisted next check time")
	}
}

func TestPoller_UpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(descriptor))
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := notices.NewStore(dir)
	p := NewPoller(srv.URL, dir, "x86_64-pc-linux-gnu", "6.1",
		core.VersionInfo{Major: 9, Minor: 0, Release: 0},
		netop.NewChannel(srv.Client()), store)

	p.Poll()
	deadline := time.Now().Add(5 * time.Second)
	for p.busy && time.Now().Before(deadline) {
		p.Poll()
		time.Sleep(5 * time.Millisecond)
	}

	if p.NewerVersion() != "" {
		t.Errorf("expected up to date, got %q", p.NewerVersion())
	}
	if store.Len() != 0 {
		t.Error("no notice expected when current")
	}
}
