package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/jobstream/internal/config"
)

// DefaultHost is used when no listen host is configured.
const DefaultHost = "0.0.0.0"

// Listen binds the public endpoint. Accepted connections get TCP_NODELAY
// (on unless configured off) and, if configured, a TCP keepalive period.
func Listen(ctx context.Context, cfg config.RPCConfig) (net.Listener, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	addr := net.JoinHostPort(host, fmt.Sprint(cfg.Port))

	lc := net.ListenConfig{KeepAlive: cfg.TCPKeepAlive}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	noDelay := true
	if cfg.TCPNoDelay != nil {
		noDelay = *cfg.TCPNoDelay
	}
	return &tcpListener{
		TCPListener: lis.(*net.TCPListener),
		noDelay:     noDelay,
		keepAlive:   cfg.TCPKeepAlive,
	}, nil
}

type tcpListener struct {
	*net.TCPListener
	noDelay   bool
	keepAlive time.Duration
}

func (l *tcpListener) Accept() (net.Conn, error) {
	c, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	// Option errors only concern this connection.
	_ = c.SetNoDelay(l.noDelay)
	if l.keepAlive > 0 {
		_ = c.SetKeepAlive(true)
		_ = c.SetKeepAlivePeriod(l.keepAlive)
	}
	return c, nil
}
