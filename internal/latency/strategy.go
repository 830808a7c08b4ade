// Package latency measures how quickly connections respond.
package latency

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"corekeeper/internal/core"
	"corekeeper/internal/core/types"
	"corekeeper/internal/storage/models"
)

// Strategy defines how a latency test is performed against a single connection.
type Strategy interface {
	// Name returns the strategy identifier ("tcp" or "http").
	Name() string
	// Test performs a latency test and returns the round-trip time in milliseconds.
	Test(ctx context.Context, conn *models.Connection) (latencyMS int, err error)
}

// TCPStrategy measures latency via a TCP handshake to the connection's server.
// It only proves reachability; the proxy protocol is not exercised.
type TCPStrategy struct{}

func (s *TCPStrategy) Name() string { return "tcp" }

func (s *TCPStrategy) Test(ctx context.Context, conn *models.Connection) (int, error) {
	address := net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port))

	start := time.Now()
	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, fmt.Errorf("tcp handshake failed: %w", err)
	}
	elapsed := time.Since(start)
	c.Close()

	return int(elapsed.Milliseconds()), nil
}

// DefaultTestURL answers 204 with an empty body.
const DefaultTestURL = "http://www.gstatic.com/generate_204"

// CoreFactory creates a kernel launcher whose files live in workDir, so a
// test kernel never touches the daemon's pid file or config.
type CoreFactory func(workDir string) (core.ProxyCore, error)

// HTTPStrategy starts a throwaway kernel for the connection and times an HTTP
// request through its HTTP inbound. Slower than TCP but validates the whole
// proxy chain.
type HTTPStrategy struct {
	NewCore CoreFactory
	URL     string
}

func (s *HTTPStrategy) Name() string { return "http" }

func (s *HTTPStrategy) Test(ctx context.Context, conn *models.Connection) (int, error) {
	workDir, err := os.MkdirTemp("", "corekeeper-latency-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(workDir)

	kernel, err := s.NewCore(workDir)
	if err != nil {
		return 0, err
	}

	ports, err := freePorts(2)
	if err != nil {
		return 0, fmt.Errorf("failed to find free ports: %w", err)
	}
	proc, err := kernel.Start(ctx, &types.CoreConfig{
		Connection: conn,
		Listen:     "127.0.0.1",
		HTTPPort:   ports[0],
		APIPort:    ports[1],
		LogLevel:   "none",
		DNSServers: []string{"1.1.1.1", "8.8.8.8"},
	})
	if err != nil {
		return 0, err
	}
	defer proc.Stop(context.Background())

	target := s.URL
	if target == "" {
		target = DefaultTestURL
	}
	proxyURL := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[0]))}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request through proxy failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("request through proxy returned %s", resp.Status)
	}
	return int(elapsed.Milliseconds()), nil
}

// freePorts reserves n distinct loopback ports and releases them.
func freePorts(n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for range n {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// NewStrategy creates a Strategy by name. The http strategy needs newCore.
func NewStrategy(name string, newCore CoreFactory) (Strategy, error) {
	switch name {
	case "tcp", "":
		return &TCPStrategy{}, nil
	case "http":
		if newCore == nil {
			return nil, fmt.Errorf("http strategy requires a kernel")
		}
		return &HTTPStrategy{NewCore: newCore}, nil
	default:
		return nil, fmt.Errorf("unknown test strategy: %s (available: tcp, http)", name)
	}
}
