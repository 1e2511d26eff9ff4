package server

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

var unauthenticatedGRPCMethods = []string{
	healthv1.Health_Check_FullMethodName,
	healthv1.Health_Watch_FullMethodName,
}

type GRPCOptions struct {
	TLS      *tls.Config
	Verifier *auth.JWTVerifier
	Metrics  *Metrics
}

// NewGRPCServer returns a server carrying the standard health service. The returned health
// server starts out SERVING for the empty service name.
func NewGRPCServer(o GRPCOptions) (*grpc.Server, *health.Server) {
	unary := []grpc.UnaryServerInterceptor{UnaryMetricsInterceptor(o.Metrics)}
	var stream []grpc.StreamServerInterceptor
	if o.Verifier != nil {
		unary = append(unary, auth.UnaryJWTInterceptor(o.Verifier, unauthenticatedGRPCMethods))
		stream = append(stream, auth.StreamJWTInterceptor(o.Verifier, unauthenticatedGRPCMethods))
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
	if o.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(o.TLS)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(srv, hs)
	return srv, hs
}
