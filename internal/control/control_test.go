package control

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/test/bufconn"

	"corekeeper/internal/event"
	pkgerrors "corekeeper/pkg/errors"
)

func newBufServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	srv := NewServer(nil)
	srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := dial(ctx, "passthrough:///bufnet", func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	})
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func TestKernelStatus(t *testing.T) {
	srv, c := newBufServer(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	running, err := c.KernelRunning(ctx)
	if err != nil || running {
		t.Fatalf("KernelRunning() = %v, %v; want false", running, err)
	}

	srv.SetKernelRunning(true)
	if running, err = c.KernelRunning(ctx); err != nil || !running {
		t.Fatalf("KernelRunning() = %v, %v; want true", running, err)
	}
}

func TestWatchFollowsEvents(t *testing.T) {
	srv, c := newBufServer(t)
	bus := event.New()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Watch(ctx, bus)

	waitFor := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got, err := c.KernelRunning(ctx); err == nil && got == want {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("kernel status never became %v", want)
	}

	bus.Publish(event.Event{Kind: event.Connected})
	waitFor(true)
	bus.Publish(event.Event{Kind: event.Disconnected, Reason: event.ReasonStopped})
	waitFor(false)
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(nil)
	if err := srv.Listen(path); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	c.Close()

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	short, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()
	if _, err := Dial(short, path); !errors.Is(err, pkgerrors.ErrDaemonNotRunning) {
		t.Fatalf("Dial() after Close error = %v, want ErrDaemonNotRunning", err)
	}
}
