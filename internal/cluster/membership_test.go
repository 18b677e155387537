package cluster

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/jobstream/internal/jobconf"
)

// fakePeer is a bare health endpoint standing in for another server.
type fakePeer struct {
	addr   string
	health *health.Server
	server *grpc.Server
}

func startPeer(t *testing.T, serving bool) *fakePeer {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakePeer{addr: lis.Addr().String(), health: health.NewServer(), server: grpc.NewServer()}
	p.setServing(serving)
	healthpb.RegisterHealthServer(p.server, p.health)
	go p.server.Serve(lis)
	t.Cleanup(p.server.Stop)
	return p
}

func (p *fakePeer) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.health.SetServingStatus("", status)
}

type peerGauge struct{ n atomic.Int64 }

func (g *peerGauge) SetReachablePeers(n int) { g.n.Store(int64(n)) }

func testConfig(members ...Member) Config {
	return Config{
		ServerID:       1,
		ListenAddr:     "127.0.0.1:0",
		Detector:       StaticDetector(members),
		ProbeInterval:  20 * time.Millisecond,
		ProbeTimeout:   200 * time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func TestStaticDetector(t *testing.T) {
	d, err := NewStaticDetector([]Member{{ID: 3, Addr: "c:1"}, {ID: 1, Addr: "a:1"}})
	require.NoError(t, err)
	members, err := d.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Member{{ID: 1, Addr: "a:1"}, {ID: 3, Addr: "c:1"}}, members)

	_, err = NewStaticDetector([]Member{{ID: 1, Addr: "a"}, {ID: 1, Addr: "b"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewStaticDetector([]Member{{ID: 2}})
	assert.ErrorContains(t, err, "no address")
}

func TestStandaloneStartup(t *testing.T) {
	m := New(testConfig(Member{ID: 1, Addr: "127.0.0.1:0"}), nil)
	defer m.Close()

	addr, err := m.Startup(context.Background())
	require.NoError(t, err)
	assert.Nil(t, addr)

	_, err = m.Startup(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	for _, topo := range []jobconf.ServerConf{
		{Kind: jobconf.Local},
		{Kind: jobconf.All},
		{Kind: jobconf.Partial, Servers: []uint64{1}},
	} {
		assert.NoError(t, m.WaitReady(context.Background(), topo), topo.String())
	}
}

func TestWaitReadyReachablePeer(t *testing.T) {
	peer := startPeer(t, true)
	gauge := &peerGauge{}

	m := New(testConfig(Member{ID: 1, Addr: "127.0.0.1:0"}, Member{ID: 2, Addr: peer.addr}), nil)
	m.SetObserver(gauge)
	defer m.Close()

	addr, err := m.Startup(context.Background())
	require.NoError(t, err)
	require.NotNil(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx, jobconf.ServerConf{Kind: jobconf.All}))
	require.NoError(t, m.WaitReady(ctx, jobconf.ServerConf{Kind: jobconf.Partial, Servers: []uint64{2}}))
	assert.True(t, m.Reachable(2))
	assert.Equal(t, int64(1), gauge.n.Load())
}

func TestWaitReadyBlocksUntilPeerServes(t *testing.T) {
	peer := startPeer(t, false)

	m := New(testConfig(Member{ID: 1, Addr: "127.0.0.1:0"}, Member{ID: 2, Addr: peer.addr}), nil)
	defer m.Close()
	_, err := m.Startup(context.Background())
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	err = m.WaitReady(short, jobconf.ServerConf{Kind: jobconf.All})
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Local jobs do not wait for anybody.
	assert.NoError(t, m.WaitReady(context.Background(), jobconf.ServerConf{Kind: jobconf.Local}))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- m.WaitReady(ctx, jobconf.ServerConf{Kind: jobconf.Partial, Servers: []uint64{1, 2}})
	}()
	peer.setServing(true)
	assert.NoError(t, <-done)
}

func TestWaitReadyUnknownServer(t *testing.T) {
	m := New(testConfig(), nil)
	defer m.Close()
	_, err := m.Startup(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.WaitReady(ctx, jobconf.ServerConf{Kind: jobconf.Partial, Servers: []uint64{9}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeerGoesAway(t *testing.T) {
	peer := startPeer(t, true)

	m := New(testConfig(Member{ID: 2, Addr: peer.addr}), nil)
	defer m.Close()
	_, err := m.Startup(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx, jobconf.ServerConf{Kind: jobconf.All}))

	peer.setServing(false)
	assert.Eventually(t, func() bool { return !m.Reachable(2) }, 5*time.Second, 10*time.Millisecond)
}
