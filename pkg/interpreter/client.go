package interpreter

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a gRPC connection to an interpreter process
type Client struct {
	endpoint string
	conn     *grpc.ClientConn
	health   grpc_health_v1.HealthClient
}

// Dial creates a client for the interpreter listening on endpoint.
// The connection is established lazily; use Ping to perform the handshake.
func Dial(endpoint string) (*Client, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}

	return &Client{
		endpoint: endpoint,
		conn:     conn,
		health:   grpc_health_v1.NewHealthClient(conn),
	}, nil
}

// Endpoint returns the address this client talks to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Execute forwards a request to the process
func (c *Client) Execute(ctx context.Context, req *Request) (*Result, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeMethod, in, out); err != nil {
		return nil, err
	}

	return decodeResult(out)
}

// Ping checks that the interpreter service reports SERVING
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("interpreter at %s is %s", c.endpoint, resp.GetStatus())
	}
	return nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}
