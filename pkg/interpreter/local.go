package interpreter

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LocalConn is an in-process Conn backed directly by a Server.
// It is used by tests and by launchers that host runtimes in memory.
type LocalConn struct {
	server *Server
	down   atomic.Bool
}

// NewLocalConn returns a connection to server
func NewLocalConn(server *Server) *LocalConn {
	return &LocalConn{server: server}
}

// Execute runs the request on the server
func (c *LocalConn) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.server.Handle(ctx, req), nil
}

// Ping reports whether the connection is up
func (c *LocalConn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

// Close marks the connection down
func (c *LocalConn) Close() error {
	c.down.Store(true)
	return nil
}

// Server returns the backing server
func (c *LocalConn) Server() *Server {
	return c.server
}

func (c *LocalConn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	if c.down.Load() {
		return status.Error(codes.Unavailable, "interpreter connection closed")
	}
	return nil
}
