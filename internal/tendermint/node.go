// Package tendermint connects the marketplace to a Tendermint node.
//
// The node binary runs an ABCI server on a Unix socket and Tendermint runs as
// a separate process connecting to it (proxy_app). Clients reach the chain
// through the JSON-RPC endpoint wrapped by BroadcastClient.
package tendermint

import (
	"context"
	"fmt"
	"os"
	"strings"

	abciserver "github.com/tendermint/tendermint/abci/server"
	abci "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/service"
	"go.uber.org/zap"
)

// Config holds configuration for the ABCI server and Tendermint connection.
type Config struct {
	// TendermintHome is the directory for Tendermint data and config
	TendermintHome string

	// SocketAddress is the ABCI listen address (e.g., "unix://bazaar.sock")
	SocketAddress string
}

// ABCIServer wraps an ABCI socket server.
type ABCIServer struct {
	server service.Service
	socket string
	log    *zap.Logger
}

// NewABCIServer creates a socket ABCI server for app. The server is created
// but not started.
func NewABCIServer(app abci.Application, config *Config, log *zap.Logger) (*ABCIServer, error) {
	if app == nil {
		return nil, fmt.Errorf("ABCI application cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.SocketAddress == "" {
		return nil, fmt.Errorf("socket address cannot be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &ABCIServer{
		server: abciserver.NewSocketServer(config.SocketAddress, app),
		socket: config.SocketAddress,
		log:    log,
	}, nil
}

// Start begins listening for Tendermint connections. A stale socket file
// left by a previous run is removed first.
func (s *ABCIServer) Start() error {
	removeSocketFile(s.socket)
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start ABCI server: %w", err)
	}
	s.log.Info("ABCI server listening", zap.String("socket", s.socket))
	return nil
}

// Run starts the server and blocks until ctx is done.
func (s *ABCIServer) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop shuts down the server and removes the socket file.
func (s *ABCIServer) Stop() error {
	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			return fmt.Errorf("failed to stop ABCI server: %w", err)
		}
	}
	removeSocketFile(s.socket)
	return nil
}

// IsRunning returns true if the ABCI server is currently running.
func (s *ABCIServer) IsRunning() bool {
	return s.server.IsRunning()
}

// SocketPath returns the socket address the server is listening on.
func (s *ABCIServer) SocketPath() string {
	return s.socket
}

func removeSocketFile(addr string) {
	path, ok := strings.CutPrefix(addr, "unix://")
	if !ok {
		return
	}
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
}
