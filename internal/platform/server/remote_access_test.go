package server

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

var guardTestClock = clock.Fixed{At: time.Date(2026, 2, 12, 18, 0, 0, 0, time.UTC)}

// adminCall is one request sent through a guard under test.
type adminCall struct {
	path   string
	peer   string
	xff    string
	status int
}

func guardedOK(t *testing.T, guard *RemoteAccessGuard) http.Handler {
	t.Helper()
	return guard.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func serveCalls(t *testing.T, h http.Handler, calls []adminCall) {
	t.Helper()
	for i, c := range calls {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		req.RemoteAddr = c.peer
		if c.xff != "" {
			req.Header.Set("X-Forwarded-For", c.xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.status {
			t.Fatalf("call %d %s from %s (xff=%q): want=%d got=%d", i, c.path, c.peer, c.xff, c.status, rec.Code)
		}
	}
}

func TestRemoteAccessGuardAdminPaths(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		peer    string
		status  int
		logged  bool
		allowed bool
	}{
		{"audit trail from office", "/v1/wallets/alice/ETH/audit", "10.20.0.5:51000", http.StatusOK, true, true},
		{"audit trail from internet", "/v1/wallets/alice/ETH/audit", "198.51.100.7:51000", http.StatusForbidden, true, false},
		{"status from internet", "/v1/system/status", "198.51.100.7:51000", http.StatusForbidden, true, false},
		{"metrics scrape from office", "/metrics", "10.20.0.9:9100", http.StatusOK, true, true},
		{"credit is not an admin path", "/v1/wallets/alice/ETH:credit", "198.51.100.7:51000", http.StatusOK, false, false},
		{"balance is not an admin path", "/v1/wallets/alice/ETH/balance", "198.51.100.7:51000", http.StatusOK, false, false},
		{"health is not an admin path", "/healthz", "198.51.100.7:51000", http.StatusOK, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guard, err := NewRemoteAccessGuard(guardTestClock, nil, []string{"10.20.0.0/16"})
			if err != nil {
				t.Fatalf("new guard: %v", err)
			}
			serveCalls(t, guardedOK(t, guard), []adminCall{{path: tc.path, peer: tc.peer, status: tc.status}})

			logs := guard.Activities()
			if !tc.logged {
				if len(logs) != 0 {
					t.Fatalf("expected nothing logged, got=%+v", logs)
				}
				return
			}
			if len(logs) != 1 || logs[0].Allowed != tc.allowed || logs[0].Path != tc.path {
				t.Fatalf("unexpected activity: %+v", logs)
			}
			if logs[0].Timestamp != "2026-02-12T18:00:00Z" {
				t.Fatalf("activity not stamped by the guard clock: %q", logs[0].Timestamp)
			}
		})
	}
}

func TestRemoteAccessGuardForwardedFor(t *testing.T) {
	cases := []struct {
		name    string
		proxies []string
		peer    string
		xff     string
		status  int
		source  string
	}{
		{
			name:   "spoofed header from untrusted peer is ignored",
			peer:   "198.51.100.7:51000",
			xff:    "10.20.0.5",
			status: http.StatusForbidden,
			source: "198.51.100.7",
		},
		{
			name:    "spoofed header from peer outside proxy set is ignored",
			proxies: []string{"192.0.2.0/24"},
			peer:    "198.51.100.7:51000",
			xff:     "10.20.0.5",
			status:  http.StatusForbidden,
			source:  "198.51.100.7",
		},
		{
			name:    "trusted proxy forwards office client",
			proxies: []string{"192.0.2.0/24"},
			peer:    "192.0.2.10:443",
			xff:     "10.20.0.5",
			status:  http.StatusOK,
			source:  "10.20.0.5",
		},
		{
			name:    "client prepended hop cannot pass through trusted proxy",
			proxies: []string{"192.0.2.0/24"},
			peer:    "192.0.2.10:443",
			xff:     "10.20.0.5, 198.51.100.7",
			status:  http.StatusForbidden,
			source:  "198.51.100.7",
		},
		{
			name:    "chained proxies are skipped",
			proxies: []string{"192.0.2.0/24"},
			peer:    "192.0.2.10:443",
			xff:     "10.20.0.5, 192.0.2.11",
			status:  http.StatusOK,
			source:  "10.20.0.5",
		},
		{
			name:    "trusted proxy without header falls back to peer",
			proxies: []string{"192.0.2.0/24"},
			peer:    "192.0.2.10:443",
			status:  http.StatusForbidden,
			source:  "192.0.2.10",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guard, err := NewRemoteAccessGuard(guardTestClock, nil, []string{"10.20.0.0/16"})
			if err != nil {
				t.Fatalf("new guard: %v", err)
			}
			if err := guard.SetTrustedProxies(tc.proxies); err != nil {
				t.Fatalf("set proxies: %v", err)
			}
			serveCalls(t, guardedOK(t, guard), []adminCall{{path: "/v1/wallets/bob/USDC/audit", peer: tc.peer, xff: tc.xff, status: tc.status}})
			if logs := guard.Activities(); len(logs) != 1 || logs[0].SourceIP != tc.source {
				t.Fatalf("want source %s, got=%+v", tc.source, logs)
			}
		})
	}
}

func TestRemoteAccessGuardActivityLogLimits(t *testing.T) {
	office := adminCall{path: "/v1/wallets/alice/ETH/audit", peer: "127.0.0.1:40000"}
	outsider := adminCall{path: "/v1/system/status", peer: "198.51.100.7:51000", status: http.StatusForbidden}
	ok := func(c adminCall) adminCall { c.status = http.StatusOK; return c }
	unavailable := func(c adminCall) adminCall { c.status = http.StatusServiceUnavailable; return c }

	cases := []struct {
		name       string
		cap        int
		failClosed bool
		noCache    bool
		calls      []adminCall
		outcomes   []string
		kept       int
	}{
		{
			name:     "room in the log",
			cap:      4,
			calls:    []adminCall{ok(office), outsider},
			outcomes: []string{"allowed", "denied"},
			kept:     2,
		},
		{
			name:     "full log fails open",
			cap:      1,
			calls:    []adminCall{ok(office), ok(office)},
			outcomes: []string{"allowed", "logging_unavailable", "allowed"},
			kept:     1,
		},
		{
			name:       "full log fails closed",
			cap:        1,
			failClosed: true,
			calls:      []adminCall{ok(office), unavailable(office)},
			outcomes:   []string{"allowed", "logging_unavailable"},
			kept:       1,
		},
		{
			name:     "denials still answer 403 when the log is full",
			cap:      1,
			calls:    []adminCall{ok(office), outsider},
			outcomes: []string{"allowed", "denied"},
			kept:     1,
		},
		{
			name:       "cache disabled never fills",
			cap:        1,
			failClosed: true,
			noCache:    true,
			calls:      []adminCall{ok(office), ok(office), ok(office)},
			outcomes:   []string{"allowed", "allowed", "allowed"},
			kept:       0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guard, err := NewRemoteAccessGuard(guardTestClock, nil, nil)
			if err != nil {
				t.Fatalf("new guard: %v", err)
			}
			guard.SetInMemoryActivityLogCap(tc.cap)
			guard.SetFailClosedOnLogPersistenceFailure(tc.failClosed)
			guard.SetDisableInMemoryActivityCache(tc.noCache)
			var outcomes []string
			guard.SetDecisionObserver(func(outcome string) { outcomes = append(outcomes, outcome) })

			serveCalls(t, guardedOK(t, guard), tc.calls)
			if !reflect.DeepEqual(outcomes, tc.outcomes) {
				t.Fatalf("outcomes: want=%v got=%v", tc.outcomes, outcomes)
			}
			if n := len(guard.Activities()); n != tc.kept {
				t.Fatalf("kept activities: want=%d got=%d", tc.kept, n)
			}
		})
	}
}

func TestRemoteAccessGuardReportsLogState(t *testing.T) {
	guard, err := NewRemoteAccessGuard(guardTestClock, nil, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	var seen [][2]int
	guard.SetLogStateObserver(func(entries, capacity int) { seen = append(seen, [2]int{entries, capacity}) })
	guard.SetInMemoryActivityLogCap(3)

	serveCalls(t, guardedOK(t, guard), []adminCall{
		{path: "/metrics", peer: "[::1]:9100", status: http.StatusOK},
		{path: "/v1/wallets/carol/ETH/audit", peer: "127.0.0.1:40000", status: http.StatusOK},
	})

	want := [][2]int{{0, defaultActivityLogCap}, {0, 3}, {1, 3}, {2, 3}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("log states: want=%v got=%v", want, seen)
	}
}

func TestRemoteAccessGuardRejectsBadNetworks(t *testing.T) {
	if _, err := NewRemoteAccessGuard(guardTestClock, nil, []string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected invalid trusted network error")
	}
	guard, err := NewRemoteAccessGuard(guardTestClock, nil, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := guard.SetTrustedProxies([]string{"192.0.2.1"}); err == nil {
		t.Fatalf("expected invalid proxy cidr error")
	}
}
