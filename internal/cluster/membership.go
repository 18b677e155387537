// ============================================================================
// Cluster Membership
// ============================================================================
//
// Package: internal/cluster
// File: membership.go
// Purpose: Bring up the internal endpoint and track which peers are reachable
//
// Every server exposes the gRPC health service on its internal endpoint and
// probes the health service of every other member. A peer is reachable while
// its last probe returned SERVING. Failed probes are retried on an
// exponential backoff schedule; healthy peers are re-checked every
// ProbeInterval.
//
// WaitReady blocks a caller until every server a topology needs is
// reachable. Each reachability change closes the current changed channel
// and installs a new one, waking all waiters.
//
// ============================================================================

package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/jobstream/internal/jobconf"
)

// ErrAlreadyStarted is returned by a second Startup.
var ErrAlreadyStarted = errors.New("membership already started")

// Config configures a Membership.
type Config struct {
	ServerID   uint64
	ListenAddr string // internal endpoint, host:port
	Detector   Detector

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:0"
	}
	if c.Detector == nil {
		c.Detector = StaticDetector(nil)
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
}

// Observer is told how many peers are reachable after every change.
type Observer interface {
	SetReachablePeers(n int)
}

// Membership tracks the reachability of the other cluster members.
type Membership struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer

	mu        sync.Mutex
	members   map[uint64]Member
	reachable map[uint64]bool
	changed   chan struct{}
	started   bool

	conns  map[string]*grpc.ClientConn
	server *grpc.Server
	health *health.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a membership for cfg.ServerID.
func New(cfg Config, logger *zap.Logger) *Membership {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{
		cfg:       cfg,
		logger:    logger.Named("cluster").With(zap.Uint64("server_id", cfg.ServerID)),
		members:   make(map[uint64]Member),
		reachable: make(map[uint64]bool),
		changed:   make(chan struct{}),
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// SetObserver installs o. Call before Startup.
func (m *Membership) SetObserver(o Observer) { m.observer = o }

// ServerID returns the identity of this server.
func (m *Membership) ServerID() uint64 { return m.cfg.ServerID }

// Startup discovers the members and, if there is any peer, binds the
// internal endpoint and starts probing. It returns the bound address, or
// nil when this server runs alone. Probing stops when ctx is done or on
// Close.
func (m *Membership) Startup(ctx context.Context) (net.Addr, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	members, err := m.cfg.Detector.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover members: %w", err)
	}

	var peers []Member
	m.mu.Lock()
	for _, mem := range members {
		m.members[mem.ID] = mem
		if mem.ID != m.cfg.ServerID {
			peers = append(peers, mem)
		}
	}
	m.mu.Unlock()

	if len(peers) == 0 {
		m.logger.Info("no peers configured, running standalone")
		return nil, nil
	}

	lis, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind membership endpoint %s: %w", m.cfg.ListenAddr, err)
	}

	m.health = health.NewServer()
	m.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	m.server = grpc.NewServer()
	healthpb.RegisterHealthServer(m.server, m.health)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			m.logger.Error("membership endpoint stopped", zap.Error(err))
		}
	}()

	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for _, p := range peers {
		conn, err := m.dial(p.Addr)
		if err != nil {
			cancel()
			m.server.Stop()
			return nil, err
		}
		m.wg.Add(1)
		go func(p Member, conn *grpc.ClientConn) {
			defer m.wg.Done()
			m.probe(probeCtx, p, healthpb.NewHealthClient(conn))
		}(p, conn)
	}

	m.logger.Info("membership endpoint bound",
		zap.Stringer("addr", lis.Addr()),
		zap.Int("peers", len(peers)))
	return lis.Addr(), nil
}

func (m *Membership) dial(addr string) (*grpc.ClientConn, error) {
	if conn, ok := m.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}
	m.conns[addr] = conn
	return conn, nil
}

func (m *Membership) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Membership) probe(ctx context.Context, peer Member, client healthpb.HealthClient) {
	b := m.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := m.check(ctx, client)
		m.setReachable(peer.ID, err == nil)

		wait := m.cfg.ProbeInterval
		if err != nil {
			m.logger.Debug("peer probe failed", zap.Uint64("peer", peer.ID), zap.Error(err))
			if wait = b.NextBackOff(); wait == backoff.Stop {
				wait = m.cfg.BackoffMax
			}
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}

func (m *Membership) check(ctx context.Context, client healthpb.HealthClient) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("peer status %s", resp.GetStatus())
	}
	return nil
}

func (m *Membership) setReachable(id uint64, ok bool) {
	m.mu.Lock()
	if m.reachable[id] == ok {
		m.mu.Unlock()
		return
	}
	m.reachable[id] = ok
	close(m.changed)
	m.changed = make(chan struct{})
	n := 0
	for _, r := range m.reachable {
		if r {
			n++
		}
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("peer reachable", zap.Uint64("peer", id))
	} else {
		m.logger.Warn("peer unreachable", zap.Uint64("peer", id))
	}
	if m.observer != nil {
		m.observer.SetReachablePeers(n)
	}
}

// Reachable reports whether server id is currently reachable. This server
// is always reachable.
func (m *Membership) Reachable(id uint64) bool {
	if id == m.cfg.ServerID {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable[id]
}

// required lists the servers other than this one that topology needs.
func (m *Membership) required(topology jobconf.ServerConf) []uint64 {
	var ids []uint64
	switch topology.Kind {
	case jobconf.Partial:
		for _, id := range topology.Servers {
			if id != m.cfg.ServerID {
				ids = append(ids, id)
			}
		}
	case jobconf.All:
		for id := range m.members {
			if id != m.cfg.ServerID {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// WaitReady blocks until every server needed by topology is reachable or
// ctx is done. A Partial topology naming an unknown server waits until ctx
// is done.
func (m *Membership) WaitReady(ctx context.Context, topology jobconf.ServerConf) error {
	for {
		m.mu.Lock()
		ready := true
		for _, id := range m.required(topology) {
			if !m.reachable[id] {
				ready = false
				break
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if ready {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetServing flips the status this server reports to its peers.
func (m *Membership) SetServing(serving bool) {
	if m.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus("", status)
}

// Close stops probing and the internal endpoint.
func (m *Membership) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.health != nil {
		m.health.Shutdown()
	}
	if m.server != nil {
		m.server.Stop()
	}
	m.wg.Wait()

	m.mu.Lock()
	for addr, conn := range m.conns {
		conn.Close()
		delete(m.conns, addr)
	}
	m.mu.Unlock()
}
