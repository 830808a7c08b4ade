// Package signals turns OS signals into supervisor requests, shutdown
// requests and crash reports.
//
// The notify channel only hands signals over; user requests are queued and
// forwarded by a router goroutine, so a slow restart never blocks signal
// delivery.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// Controller is the part of the supervisor that signals drive.
type Controller interface {
	RestartConnection(ctx context.Context) error
	StopConnection(ctx context.Context) error
}

type request int

const (
	requestRestart request = iota
	requestStop
)

func (r request) String() string {
	if r == requestRestart {
		return "restart"
	}
	return "stop"
}

// Options configures a Handler.
type Options struct {
	Controller Controller
	// OnShutdown is called once for the first SIGTERM/SIGINT.
	OnShutdown func()
	// OnFatal handles a fatal signal. It should write the crash report and
	// then call Die.
	OnFatal func(sig os.Signal)
	Log     *zap.Logger
}

// Handler routes signals for the daemon.
type Handler struct {
	opts     Options
	log      *zap.Logger
	sigc     chan os.Signal
	requests chan request
	shutdown sync.Once
	wg       sync.WaitGroup
}

// New creates a handler; nothing is registered until Start.
func New(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		opts:     opts,
		log:      log.With(zap.String("component", "signals")),
		sigc:     make(chan os.Signal, 8),
		requests: make(chan request, 16),
	}
}

// Start registers the platform's signals and runs until ctx is done.
func (h *Handler) Start(ctx context.Context) {
	var sigs []os.Signal
	sigs = append(sigs, shutdownSignals...)
	sigs = append(sigs, fatalSignals...)
	for sig := range userSignals {
		sigs = append(sigs, sig)
	}
	signal.Notify(h.sigc, sigs...)

	h.wg.Add(2)
	go h.dispatch(ctx)
	go h.route(ctx)
}

// Stop unregisters the signals and waits for the goroutines to exit. The
// context passed to Start must be done first.
func (h *Handler) Stop() {
	signal.Stop(h.sigc)
	h.wg.Wait()
}

func (h *Handler) dispatch(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-h.sigc:
			h.handle(sig)
		}
	}
}

func (h *Handler) handle(sig os.Signal) {
	h.log.Info("signal received", zap.Stringer("signal", sig))

	if req, ok := userSignals[sig]; ok {
		select {
		case h.requests <- req:
		default:
			h.log.Warn("dropping signal request, queue full", zap.Stringer("request", req))
		}
		return
	}
	for _, s := range shutdownSignals {
		if s == sig {
			h.shutdown.Do(func() {
				if h.opts.OnShutdown != nil {
					h.opts.OnShutdown()
				}
			})
			return
		}
	}
	for _, s := range fatalSignals {
		if s == sig {
			if h.opts.OnFatal != nil {
				h.opts.OnFatal(sig)
			} else {
				Die()
			}
			return
		}
	}
}

func (h *Handler) route(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.requests:
			if h.opts.Controller == nil {
				continue
			}
			var err error
			switch req {
			case requestRestart:
				err = h.opts.Controller.RestartConnection(ctx)
			case requestStop:
				err = h.opts.Controller.StopConnection(ctx)
			}
			if err != nil {
				h.log.Warn("signal request failed", zap.Stringer("request", req), zap.Error(err))
			}
		}
	}
}
