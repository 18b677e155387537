// Package client submits jobs to a jobstream server and collects their
// response streams.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/jobstream/api/jobpb"
)

// ErrNoTerminal is returned when a stream ended without a terminal item.
var ErrNoTerminal = errors.New("stream ended without a terminal status")

// Outcome is everything a job's stream delivered up to its first terminal.
type Outcome struct {
	JobID    uint64
	Results  [][]byte
	Terminal *jobpb.Terminal
}

// Succeeded reports whether the job ended with the success terminal.
func (o *Outcome) Succeeded() bool {
	return o.Terminal != nil && o.Terminal.Success
}

// Err converts a failure terminal into an error.
func (o *Outcome) Err() error {
	switch {
	case o.Terminal == nil:
		return ErrNoTerminal
	case o.Terminal.Success:
		return nil
	default:
		return fmt.Errorf("job %d failed: %s", o.JobID, o.Terminal.Message)
	}
}

// Client talks to one server.
type Client struct {
	conn   *grpc.ClientConn
	svc    jobpb.JobServiceClient
	logger *zap.Logger
}

// Dial creates a client for addr. Call Close when done.
func Dial(addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn, svc: jobpb.NewJobServiceClient(conn), logger: logger.Named("client")}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Submit sends req and reads the stream until its first terminal item,
// which is final; anything after it is ignored. onItem, if not nil, sees
// every item read including the terminal. A rejection is returned as a gRPC
// status error with a nil Outcome.
func (c *Client) Submit(ctx context.Context, req *jobpb.JobRequest, onItem func(*jobpb.JobResponse)) (*Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.svc.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	received := false
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, ErrNoTerminal
		}
		if err != nil {
			if !received {
				return nil, err
			}
			return out, fmt.Errorf("stream broken: %w", err)
		}

		received = true
		if onItem != nil {
			onItem(item)
		}
		out.JobID = item.JobID
		if item.IsTerminal() {
			out.Terminal = item.Status
			c.logger.Debug("job finished",
				zap.Uint64("job_id", item.JobID),
				zap.Bool("success", item.Status.Success),
				zap.Int("results", len(out.Results)))
			return out, nil
		}
		out.Results = append(out.Results, item.Res.GetResource())
	}
}
