package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger/memstore"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

func newSecuredHandler(t *testing.T) (http.Handler, *auth.JWTSigner, *ledger.Engine) {
	t.Helper()
	keyset := auth.HMACKeyset{ActiveKID: "k1", Keys: map[string][]byte{"k1": []byte("http-test-secret")}}
	engine := ledger.NewEngine(memstore.New(walletTestClock, time.Second), walletTestClock, zap.NewNop())
	guard, err := NewRemoteAccessGuard(walletTestClock, zap.NewNop(), []string{"127.0.0.1/32"})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	h, err := NewHTTPHandler(HTTPOptions{
		Wallet:         WalletHandler{Engine: engine},
		System:         SystemHandler{StartedAt: walletTestClock.At, Clock: walletTestClock},
		Guard:          guard,
		Verifier:       auth.NewJWTVerifierWithKeyset(keyset),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	return h, auth.NewJWTSignerWithKeyset(keyset), engine
}

func serve(h http.Handler, method, path, remote, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = remote
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHandlerRequiresBearerOnWalletRoutes(t *testing.T) {
	h, signer, engine := newSecuredHandler(t)

	if rec := serve(h, http.MethodGet, "/healthz", "203.0.113.8:1000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got=%d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/v1/wallets/alice/ETH/balance", "127.0.0.1:1000", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got=%d", rec.Code)
	}

	token, _, err := signer.SignActor(auth.Actor{ID: "ops-7", Type: "OPERATOR"}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign actor: %v", err)
	}
	rec := serve(h, http.MethodPost, "/v1/wallets/alice/ETH:credit", "127.0.0.1:1000", token, `{"amount":"5","chain_id":1,"type":"ADJUSTMENT"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("credit status=%d body=%s", rec.Code, rec.Body.String())
	}

	entries, err := engine.ListAudit(context.Background(), ledger.AuditFilter{UserID: "alice", Asset: "ETH"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list audit: len=%d err=%v", len(entries), err)
	}
	if entries[0].Actor != "ops-7" || entries[0].ActorType != "operator" {
		t.Fatalf("actor not taken from token: %s/%s", entries[0].Actor, entries[0].ActorType)
	}
	if entries[0].ActorType == audit.ActorTypeService {
		t.Fatalf("token actor must not fall back to the service actor")
	}
}

func TestHTTPHandlerGuardsAdminPaths(t *testing.T) {
	h, signer, _ := newSecuredHandler(t)
	token, _, err := signer.SignActor(auth.Actor{ID: "auditor", Type: "USER"}, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign actor: %v", err)
	}

	if rec := serve(h, http.MethodGet, "/v1/wallets/alice/ETH/audit", "203.0.113.8:1000", token, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden from untrusted network, got=%d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/metrics", "203.0.113.8:1000", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden metrics from untrusted network, got=%d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/v1/wallets/alice/ETH/audit", "127.0.0.1:1000", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ok from trusted network, got=%d", rec.Code)
	}
}
