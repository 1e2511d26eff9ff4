package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

const defaultActivityLogCap = 4096

type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

// RemoteAccessGuard restricts admin paths (audit trails, metrics, status) to trusted networks
// and keeps a bounded log of every decision it makes.
type RemoteAccessGuard struct {
	Clock  clock.Clock
	Logger *zap.Logger

	trusted []*net.IPNet

	mu           sync.Mutex
	proxies      []*net.IPNet
	logs         []RemoteAccessActivity
	logCap       int
	disableCache bool
	failClosed   bool
	onDecision   func(outcome string)
	onLogState   func(entries, capacity int)
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", c, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

func NewRemoteAccessGuard(clk clock.Clock, logger *zap.Logger, cidrs []string) (*RemoteAccessGuard, error) {
	trusted, err := parseCIDRs(cidrs)
	if err != nil {
		return nil, fmt.Errorf("trusted networks: %w", err)
	}
	if len(trusted) == 0 {
		trusted, _ = parseCIDRs([]string{"127.0.0.1/32", "::1/128"})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteAccessGuard{Clock: clk, Logger: logger, trusted: trusted, logCap: defaultActivityLogCap}, nil
}

// SetTrustedProxies lists the peers whose X-Forwarded-For header is believed. With no
// proxies configured the header is ignored and the TCP peer address decides.
func (g *RemoteAccessGuard) SetTrustedProxies(cidrs []string) error {
	proxies, err := parseCIDRs(cidrs)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	g.mu.Lock()
	g.proxies = proxies
	g.mu.Unlock()
	return nil
}

func (g *RemoteAccessGuard) SetDisableInMemoryActivityCache(disable bool) {
	g.mu.Lock()
	g.disableCache = disable
	g.mu.Unlock()
}

// SetFailClosedOnLogPersistenceFailure makes the guard refuse admin requests it cannot record.
func (g *RemoteAccessGuard) SetFailClosedOnLogPersistenceFailure(v bool) {
	g.mu.Lock()
	g.failClosed = v
	g.mu.Unlock()
}

func (g *RemoteAccessGuard) SetInMemoryActivityLogCap(n int) {
	g.mu.Lock()
	g.logCap = n
	g.mu.Unlock()
	g.emitLogState()
}

func (g *RemoteAccessGuard) SetDecisionObserver(fn func(outcome string)) {
	g.mu.Lock()
	g.onDecision = fn
	g.mu.Unlock()
}

func (g *RemoteAccessGuard) SetLogStateObserver(fn func(entries, capacity int)) {
	g.mu.Lock()
	g.onLogState = fn
	g.mu.Unlock()
	g.emitLogState()
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func isAdminPath(path string) bool {
	if path == "/metrics" || path == "/v1/system/status" {
		return true
	}
	return strings.HasPrefix(path, "/v1/wallets/") && strings.HasSuffix(path, "/audit")
}

// extractSourceIP resolves the client address. X-Forwarded-For is only read when the TCP
// peer is a trusted proxy, and then the rightmost hop that is not itself a proxy wins.
func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host, port = strings.TrimSpace(r.RemoteAddr), ""
	}
	g.mu.Lock()
	proxies := g.proxies
	g.mu.Unlock()
	if !inNetworks(proxies, host) {
		return host, port
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" {
		return host, port
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if !inNetworks(proxies, hop) {
			return hop, ""
		}
	}
	return strings.TrimSpace(hops[0]), ""
}

func inNetworks(nets []*net.IPNet, ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	return inNetworks(g.trusted, ipStr)
}

func (g *RemoteAccessGuard) decide(outcome string) {
	g.mu.Lock()
	fn := g.onDecision
	g.mu.Unlock()
	if fn != nil {
		fn(outcome)
	}
}

func (g *RemoteAccessGuard) emitLogState() {
	g.mu.Lock()
	fn, n, capacity := g.onLogState, len(g.logs), g.logCap
	g.mu.Unlock()
	if fn != nil {
		fn(n, capacity)
	}
}

// record reports false when the activity could not be kept.
func (g *RemoteAccessGuard) record(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) bool {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, ""
	}
	entry := RemoteAccessActivity{
		Timestamp:       g.now().Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	}
	g.Logger.Info("admin path access",
		zap.String("path", entry.Path),
		zap.String("method", entry.Method),
		zap.String("source_ip", sourceIP),
		zap.Bool("allowed", allowed),
		zap.String("reason", reason),
	)

	g.mu.Lock()
	if g.disableCache {
		g.mu.Unlock()
		return true
	}
	if g.logCap > 0 && len(g.logs) >= g.logCap {
		g.mu.Unlock()
		return false
	}
	g.logs = append(g.logs, entry)
	g.mu.Unlock()
	g.emitLogState()
	return true
}

func (g *RemoteAccessGuard) failsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failClosed
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			const reason = "source ip outside trusted network"
			g.record(r, sourceIP, sourcePort, false, reason)
			g.decide("denied")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		if !g.record(r, sourceIP, sourcePort, true, "") {
			g.Logger.Warn("admin access log is full", zap.String("path", r.URL.Path))
			g.decide("logging_unavailable")
			if g.failsClosed() {
				http.Error(w, "remote access logging unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		g.decide("allowed")
		next.ServeHTTP(w, r)
	})
}
