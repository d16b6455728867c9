// Package listener implements the accept loop (C8): bind a TCP listener,
// accept connections, and hand each one to an independently-running Engine.
// Grounded on the accept loops in icesmtp's examples/tls_server and
// examples/minimal main.go — the same one-goroutine-per-connection shape,
// generalized to build the engine's pipeline from the hot-reloadable config
// loader instead of a hardcoded SessionConfig.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/feathermail/feathermail"
	"github.com/feathermail/feathermail/internal/config"
	"github.com/feathermail/feathermail/internal/pipeline"
)

// Server binds one TCP listener and serves SMTP sessions against the
// pipeline currently published by loader, rebuilding the constructed
// Pipeline only when the published spec actually changes.
type Server struct {
	Loader      *config.Loader
	Registry    *pipeline.Registry
	TLSProvider feathermail.TLSProvider
	TLSPolicy   feathermail.TLSPolicy
	Limits      feathermail.SessionLimits
	Extensions  feathermail.ExtensionSet
	Logger      feathermail.Logger

	ln net.Listener

	sessionCounter atomic.Int64

	mu       sync.Mutex
	builtFor *config.PipelineSpec
	built    *feathermail.Pipeline

	wg      sync.WaitGroup
	closing chan struct{}
	closeMu sync.Mutex
}

// Listen binds addr ("host:port") and returns a Server ready to Serve.
func Listen(addr string, srv *Server) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	srv.ln = ln
	srv.closing = make(chan struct{})
	return srv, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// currentPipeline returns the Pipeline built from the loader's current spec,
// rebuilding only when the spec pointer has changed since the last build —
// hot reloads replace this cached Pipeline for future accepts, never for
// sessions already in flight (invariant: a session observes the spec it was
// accepted under for its whole lifetime).
func (s *Server) currentPipeline() (*feathermail.Pipeline, error) {
	spec := s.Loader.Pipeline()

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == s.builtFor && s.built != nil {
		return s.built, nil
	}

	built, err := s.Registry.Build(spec)
	if err != nil {
		return nil, err
	}
	s.built = built
	s.builtFor = spec
	return built, nil
}

// Serve runs the accept loop until ctx is cancelled or Shutdown is called.
// Each accepted connection is snapshotted against the pipeline in effect at
// that moment and handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			case <-ctx.Done():
				return nil
			default:
				s.Logger.Warn(ctx, "accept failed", feathermail.Attr(feathermail.AttrError, err))
				continue
			}
		}

		pl, err := s.currentPipeline()
		if err != nil {
			s.Logger.Error(ctx, "pipeline build failed, dropping connection", feathermail.Attr(feathermail.AttrError, err))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, pl.Snapshot())
		}()
	}
}

func (s *Server) handle(ctx context.Context, raw net.Conn, pl *feathermail.Pipeline) {
	defer raw.Close()

	nc := feathermail.WrapNetConn(raw)
	clientIP := raw.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	cfg := feathermail.EngineConfig{
		ServerHostname: s.hostname(),
		ServerName:     s.serverName(),
		SessionCounter: s.sessionCounter.Add(1),
		Limits:         s.Limits,
		TLSPolicy:      s.TLSPolicy,
		TLSProvider:    s.TLSProvider,
		Pipeline:       pl,
		Extensions:     s.Extensions,
		Logger:         s.Logger,
	}

	engine := feathermail.NewEngine(nc, nc, cfg,
		feathermail.WithConn(nc),
		feathermail.WithClientIP(clientIP),
		feathermail.WithClientAddr(raw.RemoteAddr().String()))

	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		s.Logger.Warn(ctx, "session ended with error", feathermail.Attr(feathermail.AttrError, err), feathermail.Attr(feathermail.AttrSessionID, engine.ID()))
	}
}

func (s *Server) hostname() feathermail.Hostname {
	server := s.Loader.Server()
	if server.GreetingName != "" {
		return server.GreetingName
	}
	return server.Domain
}

func (s *Server) serverName() string {
	return s.Loader.Server().Name
}

// Shutdown stops accepting new connections and waits for in-flight sessions
// to finish, or for ctx to be cancelled, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	s.closeMu.Unlock()

	s.ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
