package tailnet

import (
	"context"
	"net"

	"tailscale.com/tsnet"
)

type Config struct {
	Hostname string
	StateDir string
	Logf     func(format string, args ...interface{})
}

type Server struct {
	srv *tsnet.Server
}

func New(cfg Config) *Server {
	return &Server{
		srv: &tsnet.Server{
			Hostname: cfg.Hostname,
			Dir:      cfg.StateDir,
			Logf:     cfg.Logf,
		},
	}
}

// Listen exposes network/address on the tailnet so clients elsewhere on
// the tailscale network can reach the IPC bus (internal/bus) without the
// daemon opening anything on the device's public interfaces.
func (s *Server) Listen(network, address string) (net.Listener, error) {
	return s.srv.Listen(network, address)
}

func (s *Server) Up(ctx context.Context) error {
	_, err := s.srv.Up(ctx)
	return err
}

func (s *Server) Close() error {
	return s.srv.Close()
}
