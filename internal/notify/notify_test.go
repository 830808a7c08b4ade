package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
)

type recordSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (s *recordSender) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestNotifyFallback(t *testing.T) {
	var buf bytes.Buffer
	n := NewWithSender(&recordSender{err: errors.New("no bus")}, &buf, nil)
	n.Critical("Crash", "report written to /tmp/x")
	if got := buf.String(); got != "Crash: report written to /tmp/x\n" {
		t.Fatalf("fallback = %q", got)
	}

	buf.Reset()
	NewWithSender(nil, &buf, nil).Notify(Notification{Title: "a", Message: "b"})
	if buf.String() != "a: b\n" {
		t.Fatalf("fallback without sender = %q", buf.String())
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		desc    string
		e       event.Event
		ok      bool
		urgency Urgency
		text    string
	}{
		{"connected", event.Event{Kind: event.Connected}, true, UrgencyLow, "Connected to hk"},
		{"restarted", event.Event{Kind: event.Connected, Restarted: true}, true, UrgencyLow, "Restarted hk"},
		{"crashed", event.Event{Kind: event.Disconnected, Reason: event.ReasonCrashed, Err: errors.New("exit status 1")}, true, UrgencyCritical, "exit status 1"},
		{"stopped", event.Event{Kind: event.Disconnected, Reason: event.ReasonStopped}, true, UrgencyLow, "Disconnected from hk"},
		{"switched", event.Event{Kind: event.Disconnected, Reason: event.ReasonSwitched}, false, 0, ""},
		{"shutdown", event.Event{Kind: event.Disconnected, Reason: event.ReasonShutdown}, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			msg, ok := describe(tt.e, "hk")
			if ok != tt.ok {
				t.Fatalf("describe() ok = %v", ok)
			}
			if !ok {
				return
			}
			if msg.Urgency != tt.urgency || !strings.Contains(msg.Message, tt.text) {
				t.Fatalf("describe() = %+v", msg)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	s := &recordSender{}
	n := NewWithSender(s, nil, nil)
	bus := event.New()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Watch(ctx, bus, func(p types.ConnectionGroupPair) string { return "name-" + p.ConnectionID })

	pair := types.ConnectionGroupPair{ConnectionID: "c1", GroupID: "g1"}
	bus.Publish(event.Event{Kind: event.Connected, Pair: pair})
	bus.Publish(event.Event{Kind: event.Disconnected, Pair: pair, Reason: event.ReasonShutdown})
	bus.Publish(event.Event{Kind: event.Disconnected, Pair: pair, Reason: event.ReasonCrashed})

	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) != 2 || s.sent[0].Message != "Connected to name-c1" || s.sent[1].Urgency != UrgencyCritical {
		t.Fatalf("sent = %+v", s.sent)
	}
}
