// ============================================================================
// Server Lifecycle
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Bring the server up in order and serve JobService until shutdown
//
// States (linear, never re-entered):
//
//   Created -> MembershipJoining -> MembershipReady -> Binding -> Serving
//
//   MembershipJoining  the cluster membership starts and may bind the
//                      internal endpoint; the observer's OnServerStart is
//                      called with that address before moving on
//   Binding            the public endpoint is bound with the configured
//                      TCP and gRPC tuning
//   Serving            OnRPCStart is called with the bound address, then
//                      the accept loop runs until ctx is done
//
// Any error before Serving aborts Run. Once serving, a broken connection
// only affects its own streams.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/config"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("server already started")

// State is a lifecycle phase of the server.
type State int32

const (
	StateCreated State = iota
	StateMembershipJoining
	StateMembershipReady
	StateBinding
	StateServing
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateMembershipJoining:
		return "membership_joining"
	case StateMembershipReady:
		return "membership_ready"
	case StateBinding:
		return "binding"
	case StateServing:
		return "serving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StartListener is notified when an endpoint has been bound. An error
// aborts startup.
type StartListener interface {
	OnServerStart(serverID uint64, addr net.Addr) error
	OnRPCStart(serverID uint64, addr net.Addr) error
}

// Membership is the cluster membership the server starts first.
type Membership interface {
	Readiness
	Startup(ctx context.Context) (net.Addr, error)
	SetServing(serving bool)
	Close()
}

// Options wires a Server.
type Options struct {
	ServerID   uint64
	RPC        config.RPCConfig
	Membership Membership
	Service    jobpb.JobServiceServer
	Listener   StartListener
	Logger     *zap.Logger
	// GracePeriod bounds the wait for in-flight streams on shutdown.
	// Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

// DefaultGracePeriod is used when Options.GracePeriod is zero.
const DefaultGracePeriod = 10 * time.Second

// Server owns the public gRPC endpoint.
type Server struct {
	opts   Options
	logger *zap.Logger
	state  atomic.Int32

	mu   sync.Mutex
	addr net.Addr
}

// New creates a server in StateCreated.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.Named("server").With(zap.Uint64("server_id", opts.ServerID)),
	}
}

// State returns the current lifecycle phase.
func (s *Server) State() State { return State(s.state.Load()) }

// Addr returns the bound public address, or nil before Binding completes.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) advance(to State) {
	s.state.Store(int32(to))
	s.logger.Debug("lifecycle", zap.Stringer("state", to))
}

// Run starts the server and blocks until ctx is done or the listener
// fails. Cancelling ctx stops the server gracefully; streams still open
// after the grace period are cancelled.
func (s *Server) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateMembershipJoining)) {
		return ErrAlreadyStarted
	}
	s.logger.Debug("lifecycle", zap.Stringer("state", StateMembershipJoining))

	if m := s.opts.Membership; m != nil {
		addr, err := m.Startup(ctx)
		if err != nil {
			return fmt.Errorf("membership startup: %w", err)
		}
		defer m.Close()
		s.advance(StateMembershipReady)

		if addr != nil && s.opts.Listener != nil {
			if err := s.opts.Listener.OnServerStart(s.opts.ServerID, addr); err != nil {
				return fmt.Errorf("server start listener: %w", err)
			}
		}
	} else {
		s.advance(StateMembershipReady)
	}

	s.advance(StateBinding)
	lis, err := Listen(ctx, s.opts.RPC)
	if err != nil {
		return err
	}

	gs := grpc.NewServer(ServerOptions(s.opts.RPC, s.logger)...)
	jobpb.RegisterJobServiceServer(gs, s.opts.Service)

	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	if s.opts.Listener != nil {
		if err := s.opts.Listener.OnRPCStart(s.opts.ServerID, lis.Addr()); err != nil {
			lis.Close()
			return fmt.Errorf("rpc start listener: %w", err)
		}
	}
	s.advance(StateServing)
	if m := s.opts.Membership; m != nil {
		m.SetServing(true)
	}
	s.logger.Info("serving", zap.Stringer("addr", lis.Addr()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- gs.Serve(lis) }()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down")
		if m := s.opts.Membership; m != nil {
			m.SetServing(false)
		}
		s.stop(gs)
		<-serveErr
		return nil
	}
}

// stop drains in-flight streams for at most the grace period, then closes
// every connection, which cancels the streams still open.
func (s *Server) stop(gs *grpc.Server) {
	drained := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(drained)
	}()

	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("grace period expired, cancelling open streams",
			zap.Duration("grace_period", s.opts.GracePeriod))
		gs.Stop()
		<-drained
	}
}
