// Package server assembles the gateway platform, the command dispatcher and
// the operator HTTP server into one runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/txn2/ipc-gateway/pkg/dispatch"
	"github.com/txn2/ipc-gateway/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// Name identifies the gateway in get_app_info.
const Name = "ipc-gateway"

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server runs a Platform behind the JSON-lines transport and, when enabled,
// the admin HTTP API.
type Server struct {
	platform   *platform.Platform
	dispatcher *dispatch.Dispatcher
	stream     *dispatch.Stream
	admin      *http.Server
}

// New creates a server from cfg. Extra platform options are applied after
// the configuration.
func New(cfg *platform.Config, opts ...platform.Option) (*Server, error) {
	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating platform: %w", err)
	}

	s, err := assemble(p)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithConfig loads the configuration file at path and creates a server.
func NewWithConfig(path string) (*Server, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg)
}

func assemble(p *platform.Platform) (*Server, error) {
	gw := p.Gateway()
	d, err := dispatch.New(gw, gw.Rules())
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	if err := dispatch.RegisterBuiltins(d, dispatch.AppInfo{Name: Name, Version: Version}); err != nil {
		return nil, err
	}

	s := &Server{
		platform:   p,
		dispatcher: d,
		stream:     dispatch.NewStream(d, dispatch.StreamConfig{}),
	}

	if p.Config().Admin.Enabled {
		h, err := p.AdminHandler()
		if err != nil {
			return nil, err
		}
		s.admin = &http.Server{
			Addr:              p.Config().Admin.Address,
			Handler:           h,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	return s, nil
}

// Platform returns the underlying platform.
func (s *Server) Platform() *platform.Platform {
	return s.platform
}

// Dispatcher returns the command dispatcher so callers can register handlers
// before Run.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Run starts the platform and serves until ctx is done, the stdio stream
// reaches EOF, or the admin server fails. It always stops the platform
// before returning.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) (err error) {
	if err := s.platform.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := s.platform.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stopping platform: %w", stopErr))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if s.admin != nil {
		ln, err := net.Listen("tcp", s.admin.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.admin.Addr, err)
		}
		slog.Info("admin API listening", "address", ln.Addr().String())
		go func() {
			if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- fmt.Errorf("admin server: %w", err)
			}
		}()
		defer s.shutdownAdmin()
	}

	streamDone := make(chan error, 1)
	if s.platform.Config().Server.Transport == platform.TransportStdio {
		go func() {
			streamDone <- s.stream.Serve(ctx, in, out)
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-adminErr:
		return err
	case err := <-streamDone:
		if err != nil {
			return fmt.Errorf("serving stdio: %w", err)
		}
		slog.Info("stdio stream closed")
		return nil
	}
}

func (s *Server) shutdownAdmin() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.admin.Shutdown(ctx); err != nil {
		slog.Warn("admin server shutdown failed", "error", err)
	}
}
