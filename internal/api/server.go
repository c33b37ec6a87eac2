package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"transferbook/internal/config"
)

const grpcStopGrace = 10 * time.Second

// GRPCServer exposes the operator lookup service.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	log      zerolog.Logger
}

func NewGRPCServer(cfg config.APIConfig, store LookupStore, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	s, err := newGRPCServer(cfg, lis, store, logger)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	return s, nil
}

// newGRPCServer serves on an existing listener; tests pass a bufconn.
func newGRPCServer(cfg config.APIConfig, lis net.Listener, store LookupStore, logger *zerolog.Logger) (*GRPCServer, error) {
	auth := newKeyAuth(cfg.Auth)
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
			authUnaryInterceptor(auth),
			rateLimitUnaryInterceptor(auth, newClientLimiter(cfg.RateLimit)),
		),
	}
	if cfg.GRPC.TLS.Enabled {
		creds, err := tlsCredentials(cfg.GRPC.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, creds)
	}

	srv := grpc.NewServer(opts...)
	RegisterLookupService(srv, NewLookupService(store))
	if cfg.GRPC.Reflection {
		reflection.Register(srv)
	}

	s := &GRPCServer{server: srv, listener: lis, log: zerolog.Nop()}
	if logger != nil {
		s.log = logger.With().Str("component", "grpc").Logger()
	}
	return s, nil
}

func tlsCredentials(cfg config.APITLSConfig) (grpc.ServerOption, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

// buildTLSConfig loads the server keypair and, for mutual TLS, the client CA pool.
func buildTLSConfig(cfg config.APITLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("grpc tls: cert_file and key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("grpc tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if !cfg.RequireClientCert {
		return tlsCfg, nil
	}

	if cfg.ClientCAFile == "" {
		return nil, errors.New("grpc tls: client_ca_file is required with require_client_cert")
	}
	caPEM, err := os.ReadFile(cfg.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("grpc tls client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("grpc tls client ca: no certificates in %s", cfg.ClientCAFile)
	}
	tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	tlsCfg.ClientCAs = pool
	return tlsCfg, nil
}

func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

// Shutdown drains in-flight calls and stops hard when ctx ends or the grace
// period runs out, whichever comes first.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(drained)
	}()

	timer := time.NewTimer(grpcStopGrace)
	defer timer.Stop()
	select {
	case <-drained:
		return
	case <-ctx.Done():
	case <-timer.C:
	}
	s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
	s.server.Stop()
}
