// Package notify raises desktop notifications over the freedesktop D-Bus
// interface, falling back to stderr when no session bus is available.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"corekeeper/internal/core/types"
	"corekeeper/internal/event"
)

// Urgency levels understood by org.freedesktop.Notifications.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Notification is a single desktop notification.
type Notification struct {
	Title   string
	Message string
	Urgency Urgency
	Icon    string
}

// Sender delivers a notification.
type Sender interface {
	Send(n Notification) error
}

const appName = "CoreKeeper"

// DBusSender talks to org.freedesktop.Notifications on the session bus.
type DBusSender struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewDBusSender connects to the session bus.
func NewDBusSender() (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DBusSender{
		conn: conn,
		obj:  conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications"),
	}, nil
}

func (s *DBusSender) Send(n Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(n.Urgency)),
	}
	timeout := int32(-1)
	if n.Urgency == UrgencyCritical {
		timeout = 0 // stays until dismissed
	}
	call := s.obj.Call("org.freedesktop.Notifications.Notify", 0,
		appName, uint32(0), n.Icon, n.Title, n.Message, []string{}, hints, timeout)
	return call.Err
}

func (s *DBusSender) Close() error {
	return s.conn.Close()
}

// Notifier sends notifications, degrading to a plain text line.
type Notifier struct {
	mu       sync.Mutex
	sender   Sender
	fallback io.Writer
	log      *zap.Logger
}

// New creates a notifier backed by D-Bus when a session bus is reachable.
func New(log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{fallback: os.Stderr, log: log.With(zap.String("component", "notify"))}
	if s, err := NewDBusSender(); err == nil {
		n.sender = s
	} else {
		n.log.Debug("desktop notifications unavailable", zap.Error(err))
	}
	return n
}

// NewWithSender creates a notifier over a custom sender and fallback writer.
func NewWithSender(s Sender, fallback io.Writer, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: s, fallback: fallback, log: log}
}

// Notify delivers n. Failures are never returned; the text goes to the
// fallback writer instead.
func (n *Notifier) Notify(msg Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sender != nil {
		err := n.sender.Send(msg)
		if err == nil {
			return
		}
		n.log.Warn("sending notification", zap.Error(err))
	}
	if n.fallback != nil {
		fmt.Fprintf(n.fallback, "%s: %s\n", msg.Title, msg.Message)
	}
}

// Critical raises a notification that stays until dismissed.
func (n *Notifier) Critical(title, message string) {
	n.Notify(Notification{Title: title, Message: message, Urgency: UrgencyCritical, Icon: "dialog-error"})
}

// Close releases the bus connection.
func (n *Notifier) Close() error {
	if c, ok := n.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Watch notifies about connects, crashes and failed restarts until ctx is
// done or the bus closes. name resolves a pair to a display name.
func (n *Notifier) Watch(ctx context.Context, bus *event.Bus, name func(types.ConnectionGroupPair) string) {
	sub := bus.Subscribe(event.Connected, event.Disconnected)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if msg, ok := describe(e, name(e.Pair)); ok {
					n.Notify(msg)
				}
			}
		}
	}()
}

func describe(e event.Event, name string) (Notification, bool) {
	switch {
	case e.Kind == event.Connected && e.Restarted:
		return Notification{Title: "Reconnected", Message: "Restarted " + name, Urgency: UrgencyLow, Icon: "network-vpn"}, true
	case e.Kind == event.Connected:
		return Notification{Title: "Connected", Message: "Connected to " + name, Urgency: UrgencyLow, Icon: "network-vpn"}, true
	case e.Reason == event.ReasonCrashed || e.Reason == event.ReasonRestartFailed:
		msg := name + " stopped unexpectedly"
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return Notification{Title: "Kernel stopped", Message: msg, Urgency: UrgencyCritical, Icon: "network-vpn-error"}, true
	case e.Reason == event.ReasonStopped:
		return Notification{Title: "Disconnected", Message: "Disconnected from " + name, Urgency: UrgencyLow, Icon: "network-vpn-disconnected"}, true
	}
	// switched and shutdown are followed by their own notification or none
	return Notification{}, false
}
