package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	pkgerrors "corekeeper/pkg/errors"
)

// Client queries a running daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the daemon socket at path. It fails with
// ErrDaemonNotRunning when nothing answers before ctx expires.
func Dial(ctx context.Context, path string) (*Client, error) {
	return dial(ctx, socketTarget(path), unixDialer(path))
}

func dial(ctx context.Context, target string, dialer func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	if err := waitForReady(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrDaemonNotRunning, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func socketTarget(path string) string {
	if trimmed, ok := strings.CutPrefix(path, "/"); ok {
		return "unix:///" + trimmed
	}
	return "unix://" + path
}

func unixDialer(path string) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		switch state := conn.GetState(); state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection is shut down")
		default:
			if !conn.WaitForStateChange(ctx, state) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("grpc connection stuck in state %s", state)
			}
		}
	}
}

// KernelRunning reports whether the daemon has a connection running.
func (c *Client) KernelRunning(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: KernelService})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Ping checks that the daemon itself is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon is %s", resp.GetStatus())
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
