package latency

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strconv"
	"sync"
	"testing"
	"time"

	"corekeeper/internal/core"
	"corekeeper/internal/core/types"
	"corekeeper/internal/storage"
	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// recordingStore keeps recorded latencies; every other method panics.
type recordingStore struct {
	storage.Storage
	mu      sync.Mutex
	records []*models.LatencyTest
}

func (s *recordingStore) RecordLatency(_ context.Context, lt *models.LatencyTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, lt)
	return nil
}

// tableStrategy answers from a per-connection table.
type tableStrategy map[string]int

func (s tableStrategy) Name() string { return "table" }

func (s tableStrategy) Test(_ context.Context, conn *models.Connection) (int, error) {
	ms, ok := s[conn.ID]
	if !ok {
		return 0, errors.New("unreachable")
	}
	return ms, nil
}

func listenLocal(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestTCPStrategy(t *testing.T) {
	host, port := listenLocal(t)
	s := &TCPStrategy{}
	if _, err := s.Test(context.Background(), &models.Connection{Address: host, Port: port}); err != nil {
		t.Fatalf("Test() error = %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := l.Addr().(*net.TCPAddr).Port
	l.Close()
	if _, err := s.Test(context.Background(), &models.Connection{Address: "127.0.0.1", Port: closed}); err == nil {
		t.Fatal("Test() on a closed port succeeded")
	}
}

func TestTestBatchSortsAndRecords(t *testing.T) {
	store := &recordingStore{}
	tester := NewTester(store, TesterConfig{
		Workers:  2,
		Timeout:  time.Second,
		Strategy: tableStrategy{"a": 120, "b": 40, "d": 80},
	}, nil)

	conns := []*models.Connection{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	var calls int
	var mu sync.Mutex
	batch := tester.TestBatch(context.Background(), conns, func(_ *TestResult, current, total int) {
		mu.Lock()
		calls++
		mu.Unlock()
		if total != 4 || current < 1 || current > 4 {
			t.Errorf("progress(%d, %d)", current, total)
		}
	})

	if batch.Tested != 4 || batch.Succeeded != 3 || batch.Failed != 1 || calls != 4 {
		t.Fatalf("batch = %+v, progress calls = %d", batch, calls)
	}
	var order []string
	for _, r := range batch.Results {
		order = append(order, r.Connection.ID)
	}
	if got := order[0] + order[1] + order[2] + order[3]; got != "bdac" {
		t.Fatalf("order = %v", order)
	}
	if len(store.records) != 4 {
		t.Fatalf("recorded %d results", len(store.records))
	}

	best, err := batch.Best()
	if err != nil || best.Connection.ID != "b" || *best.Latency.LatencyMS != 40 {
		t.Fatalf("Best() = %+v, %v", best, err)
	}
}

func TestBestWithoutSuccess(t *testing.T) {
	tester := NewTester(&recordingStore{}, TesterConfig{Strategy: tableStrategy{}}, nil)
	batch := tester.TestBatch(context.Background(), []*models.Connection{{ID: "x"}}, nil)
	if _, err := batch.Best(); !errors.Is(err, pkgerrors.ErrNoLatencyData) {
		t.Fatalf("Best() error = %v", err)
	}
}

func TestNewStrategy(t *testing.T) {
	if s, err := NewStrategy("", nil); err != nil || s.Name() != "tcp" {
		t.Fatalf("NewStrategy(\"\") = %v, %v", s, err)
	}
	if _, err := NewStrategy("http", nil); err == nil {
		t.Fatal("NewStrategy(http) without kernel succeeded")
	}
	if _, err := NewStrategy("icmp", nil); err == nil {
		t.Fatal("NewStrategy(icmp) succeeded")
	}
}

// proxyCore "starts" a kernel by serving a forwarding HTTP proxy on the
// configured HTTP port.
type proxyCore struct {
	workDirs []string
}

func (c *proxyCore) Name() string { return "fake" }
func (c *proxyCore) Path() string { return "/bin/true" }
func (c *proxyCore) Protocols() []string { return []string{"trojan"} }
func (c *proxyCore) Version(context.Context) (string, error) { return "1.0", nil }

func (c *proxyCore) Start(_ context.Context, cfg *types.CoreConfig) (core.Process, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.HTTPPort)))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: &httputil.ReverseProxy{Director: func(*http.Request) {}}}
	go srv.Serve(l)
	return &proxyProcess{srv: srv, done: make(chan struct{})}, nil
}

type proxyProcess struct {
	srv  *http.Server
	once sync.Once
	done chan struct{}
}

func (p *proxyProcess) PID() int { return 1 }
func (p *proxyProcess) Done() <-chan struct{} { return p.done }
func (p *proxyProcess) Err() error { return nil }

func (p *proxyProcess) Stop(ctx context.Context) error {
	p.once.Do(func() {
		p.srv.Shutdown(ctx)
		close(p.done)
	})
	return nil
}

func (p *proxyProcess) QueryStats(context.Context) (types.TrafficCounters, error) {
	return types.TrafficCounters{}, nil
}

func TestHTTPStrategy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	fc := &proxyCore{}
	s := &HTTPStrategy{
		NewCore: func(workDir string) (core.ProxyCore, error) {
			fc.workDirs = append(fc.workDirs, workDir)
			return fc, nil
		},
		URL: target.URL,
	}
	if _, err := s.Test(context.Background(), &models.Connection{ID: "c1"}); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if len(fc.workDirs) != 1 || fc.workDirs[0] == "" {
		t.Fatalf("work dirs = %v", fc.workDirs)
	}
}
