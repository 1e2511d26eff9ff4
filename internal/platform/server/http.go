package server

import (
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

type HTTPOptions struct {
	Wallet WalletHandler
	System SystemHandler
	Guard  *RemoteAccessGuard
	// Verifier enables bearer-token auth on wallet routes when set.
	Verifier *auth.JWTVerifier
	Metrics  *Metrics
	// MetricsHandler defaults to promhttp.Handler.
	MetricsHandler http.Handler
}

var unauthenticatedPaths = []string{"/healthz", "/readyz", "/metrics", "/v1/system/status"}

// NewHTTPHandler assembles the public HTTP surface. Requests pass through metrics, the admin
// path guard and then bearer auth before reaching a route.
func NewHTTPHandler(o HTTPOptions) (http.Handler, error) {
	gwMux := runtime.NewServeMux()
	if err := o.Wallet.Register(gwMux); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	o.System.Register(mux)
	metricsHandler := o.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/", gwMux)

	var h http.Handler = mux
	if o.Verifier != nil {
		h = auth.HTTPJWTMiddlewareWithSkips(o.Verifier, h, unauthenticatedPaths)
	}
	if o.Guard != nil {
		h = o.Guard.Wrap(h)
	}
	return HTTPMetricsMiddleware(o.Metrics, h), nil
}
