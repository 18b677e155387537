package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/jobstream/internal/config"
)

// ServerOptions maps the RPC tuning onto gRPC server options. Unset fields
// keep the gRPC defaults.
func ServerOptions(cfg config.RPCConfig, logger *zap.Logger) []grpc.ServerOption {
	var opts []grpc.ServerOption
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}
	if cfg.InitialStreamWindowSize > 0 {
		opts = append(opts, grpc.InitialWindowSize(cfg.InitialStreamWindowSize))
	}
	if cfg.InitialConnectionWindowSize > 0 {
		opts = append(opts, grpc.InitialConnWindowSize(cfg.InitialConnectionWindowSize))
	}
	if cfg.KeepAliveInterval > 0 || cfg.KeepAliveTimeout > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepAliveInterval,
			Timeout: cfg.KeepAliveTimeout,
		}))
	}

	var chain []grpc.StreamServerInterceptor
	if cfg.Timeout > 0 {
		chain = append(chain, TimeoutInterceptor(cfg.Timeout))
	}
	if cfg.ConcurrencyLimitPerConnection > 0 {
		chain = append(chain, newConnLimiter(int64(cfg.ConcurrencyLimitPerConnection), logger).Intercept)
	}
	if len(chain) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(chain...))
	}
	return opts
}

// TimeoutInterceptor bounds every stream by d.
func TimeoutInterceptor(d time.Duration) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, cancel := context.WithTimeout(ss.Context(), d)
		defer cancel()
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }

// connLimiter caps the number of streams in flight per client connection.
// Extra streams wait for a slot.
type connLimiter struct {
	limit  int64
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*connSlots
}

type connSlots struct {
	sem  *semaphore.Weighted
	refs int
}

func newConnLimiter(limit int64, logger *zap.Logger) *connLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &connLimiter{limit: limit, logger: logger, conns: make(map[string]*connSlots)}
}

func (l *connLimiter) acquire(key string) *connSlots {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[key]
	if !ok {
		c = &connSlots{sem: semaphore.NewWeighted(l.limit)}
		l.conns[key] = c
	}
	c.refs++
	return c
}

func (l *connLimiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[key]; ok {
		c.refs--
		if c.refs == 0 {
			delete(l.conns, key)
		}
	}
}

func (l *connLimiter) Intercept(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := ss.Context()
	key := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		key = p.Addr.String()
	}

	c := l.acquire(key)
	defer l.release(key)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		l.logger.Debug("stream gave up waiting for a connection slot",
			zap.String("peer", key), zap.String("method", info.FullMethod))
		return status.FromContextError(err).Err()
	}
	defer c.sem.Release(1)
	return handler(srv, ss)
}
