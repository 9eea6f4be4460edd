// Package natsbus mirrors swarm lifecycle events onto NATS subjects so that
// processes outside the orchestrator can observe them. It embeds a NATS
// server and bridges the in-process event bus to it.
package natsbus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/aristath/swarm/internal/config"
)

// Server is an embedded NATS server.
type Server struct {
	server *natsserver.Server
}

// NewServer starts an embedded server on cfg.Port; -1 picks a random port.
func NewServer(cfg config.NATSConfig) (*Server, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &Server{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (s *Server) ClientURL() string {
	return s.server.ClientURL()
}

// Close shuts the server down and waits for it to stop.
func (s *Server) Close() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
