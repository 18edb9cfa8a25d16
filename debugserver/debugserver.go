// Package debugserver exposes worker internals over a JSON-RPC 2.0 HTTP
// endpoint for operational inspection. It is read-only and intended for
// loopback or otherwise trusted addresses.
package debugserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"github.com/refnet/refnet/config"
	"github.com/refnet/refnet/rpc"
)

// Server serves the introspection endpoint for one worker.
type Server struct {
	cfg    config.DebugConfig
	worker *rpc.Worker

	httpServer *http.Server
	listener   net.Listener

	started int32 // atomic
}

// New creates a server bound to a worker. It does not listen yet.
func New(worker *rpc.Worker, cfg config.DebugConfig) *Server {
	return &Server{cfg: cfg, worker: worker}
}

// Start binds the debug address and serves in the background.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("debug server already started")
	}

	rpcServer := gorilla.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&service{worker: s.worker}, "debug"); err != nil {
		return fmt.Errorf("failed to register debug service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", rpcServer)

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on debug address %s: %w", s.cfg.Address, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			Logger().Warn("debug server stopped", zap.Error(err))
		}
	}()

	Logger().Info("debug server listening",
		zap.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the endpoint down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the actual listen address, useful when binding ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// service is the JSON-RPC surface. All methods are read-only snapshots.
type service struct {
	worker *rpc.Worker
}

// EmptyArgs is the argument type for methods that take none.
type EmptyArgs struct{}

// Stats reports the worker's identity and table sizes.
func (s *service) Stats(r *http.Request, _ *EmptyArgs, reply *rpc.Stats) error {
	*reply = s.worker.Snapshot()
	return nil
}

// FunctionsReply lists the registered compiled functions.
type FunctionsReply struct {
	Functions []string `json:"functions"`
}

// Functions reports the registered function names.
func (s *service) Functions(r *http.Request, _ *EmptyArgs, reply *FunctionsReply) error {
	reply.Functions = s.worker.Snapshot().Functions
	return nil
}
