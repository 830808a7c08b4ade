package app

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"corekeeper/internal/config"
	"corekeeper/internal/control"
	"corekeeper/internal/core"
	"corekeeper/internal/core/types"
	"corekeeper/internal/crash"
	"corekeeper/internal/event"
	"corekeeper/internal/notify"
	"corekeeper/internal/signals"
	"corekeeper/internal/storage"
	"corekeeper/internal/subscription"
)

const shutdownTimeout = 15 * time.Second

// DaemonOptions selects what the daemon does once it is up.
type DaemonOptions struct {
	// Connect is a connection id or name started instead of auto_connect.
	Connect string
	// Auto starts the lowest latency connection of AutoGroup (all when empty).
	Auto      bool
	AutoGroup string

	// Core replaces the xray launcher.
	Core core.ProxyCore
	// Notifier replaces the desktop notifier.
	Notifier *notify.Notifier
	// Ready is called once every service is up and the initial connection,
	// if any, has been started.
	Ready func(*core.Supervisor)
}

// Daemon owns the kernel supervisor and the services around it for the
// lifetime of one "run".
type Daemon struct {
	app  *App
	opts DaemonOptions
	log  *zap.Logger

	core     core.ProxyCore
	sup      *core.Supervisor
	notifier *notify.Notifier
	reporter *crash.Reporter
	upgrade  string
}

// NewDaemon prepares a daemon; nothing starts until Run.
func (a *App) NewDaemon(opts DaemonOptions) *Daemon {
	d := &Daemon{
		app:  a,
		opts: opts,
		log:  a.Log.With(zap.String("component", "daemon")),
	}
	d.reporter = &crash.Reporter{
		Dir:    a.Dirs.BugReportDir(),
		Config: a.Config.JSON,
	}
	return d
}

// Upgrade returns the replacement executable after Run ended with
// ExitNewVersion.
func (d *Daemon) Upgrade() string { return d.upgrade }

// Run starts every service, blocks until ctx is done or a shutdown signal
// arrives, then tears everything down. Startup failures are StartupErrors.
// A pending upgrade turns a clean exit into ExitNewVersion.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.reportCrash(fmt.Sprint(r))
			panic(r)
		}
	}()

	if _, err := x509.SystemCertPool(); err != nil {
		return startupError(ExitTLS, "cannot load the system TLS trust store", err)
	}

	pidFile, err := AcquirePIDFile(d.app.Dirs.DaemonPIDFile())
	if err != nil {
		return startupError(ExitSecondaryInstance, "another daemon is already running", err)
	}
	defer pidFile.Release()

	if err := d.setupKernel(ctx); err != nil {
		return startupError(ExitEarlySetup, "cannot set up the proxy kernel", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := d.app.Config
	d.sup = core.New(core.Options{
		Core:          d.core,
		Source:        d.app.Registry,
		Bus:           d.app.Bus,
		Log:           d.app.Log,
		Template:      cfg.CoreTemplate(),
		StatsInterval: cfg.StatsInterval,
	})
	d.reporter.Kernel = d.sup
	d.reporter.Catalog = d.app.Registry

	d.notifier = d.opts.Notifier
	if d.notifier == nil && cfg.Notifications {
		d.notifier = notify.New(d.app.Log)
	}
	if d.notifier != nil {
		d.notifier.Watch(ctx, d.app.Bus, d.connectionName)
	}

	ctrl := control.NewServer(d.app.Log)
	if err := ctrl.Listen(d.app.Dirs.ControlSocket()); err != nil {
		d.sup.Close(context.Background())
		return startupError(ExitEarlySetup, "cannot open the control socket", err)
	}
	ctrl.Watch(ctx, d.app.Bus)

	sched, err := subscription.NewScheduler(d.app.Subscriptions(), cfg.Subscription.CheckInterval, d.app.Log)
	if err == nil {
		err = sched.Start(ctx)
	}
	if err != nil {
		ctrl.Close()
		d.sup.Close(context.Background())
		return startupError(ExitEarlySetup, "cannot start the subscription scheduler", err)
	}

	sigs := signals.New(signals.Options{
		Controller: d.sup,
		OnShutdown: cancel,
		OnFatal:    d.fatal,
		Log:        d.app.Log,
	})
	sigs.Start(ctx)

	d.log.Info("daemon started", zap.Int("pid", os.Getpid()), zap.String("kernel", d.core.Path()))
	d.connectInitial(ctx)
	if d.opts.Ready != nil {
		d.opts.Ready(d.sup)
	}

	<-ctx.Done()
	d.log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	var g errgroup.Group
	g.Go(sched.Stop)
	g.Go(func() error { return d.sup.Close(stopCtx) })
	shutdownErr := g.Wait()

	// the kernel is down; clients may now see the daemon go away
	if err := ctrl.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	sigs.Stop()
	if d.notifier != nil && d.opts.Notifier == nil {
		d.notifier.Close()
	}

	if binary, ok := PendingUpgrade(d.app.Dirs.UpgradeFile()); ok {
		d.upgrade = binary
		d.log.Info("replacement executable requested", zap.String("binary", binary))
		return startupError(ExitNewVersion, "new version requested", nil)
	}
	return shutdownErr
}

// setupKernel creates the launcher, reaps a kernel orphaned by a previous
// daemon and clears its stale active-connection row.
func (d *Daemon) setupKernel(ctx context.Context) error {
	d.core = d.opts.Core
	if d.core == nil {
		x, err := d.app.newXray(d.app.Dirs.Cache, func(line string) {
			d.app.Bus.Publish(event.Event{Kind: event.KernelLog, Line: line})
		})
		if err != nil {
			return err
		}
		if pid, err := x.ReapOrphan(); err != nil {
			d.log.Warn("orphaned kernel", zap.Int("pid", pid), zap.Error(err))
		}
		d.core = x
	}

	active, err := d.app.Registry.Active(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		d.log.Warn("clearing stale active connection",
			zap.String("connection", active.ConnectionID),
			zap.Int("pid", active.PID))
		if err := d.app.Registry.ClearActive(ctx); err != nil {
			return err
		}
	}

	if version, err := d.core.Version(ctx); err == nil {
		d.app.Storage.SetSetting(ctx, storage.SettingKernelVersion, version)
	} else {
		d.log.Warn("kernel version unknown", zap.Error(err))
	}
	return nil
}

// connectInitial starts the connection chosen on the command line or by
// auto_connect. Failures are logged; the daemon keeps running idle.
func (d *Daemon) connectInitial(ctx context.Context) {
	ref := d.opts.Connect
	if ref == "" && !d.opts.Auto {
		switch ac := d.app.Config.AutoConnect; ac {
		case "", config.AutoConnectNone:
			return
		case config.AutoConnectLast:
			ref = d.app.Registry.LastConnection(ctx)
			if ref == "" {
				return
			}
		default:
			ref = ac
		}
	}

	var pair types.ConnectionGroupPair
	if d.opts.Auto && d.opts.Connect == "" {
		conn, err := d.app.Fastest(ctx, d.opts.AutoGroup, nil)
		if err != nil {
			d.log.Error("no connection to auto-select", zap.Error(err))
			return
		}
		pair = types.ConnectionGroupPair{ConnectionID: conn.ID, GroupID: conn.GroupID}
	} else {
		conn, err := d.app.Registry.FindConnection(ctx, ref)
		if err != nil {
			d.log.Error("initial connection", zap.String("ref", ref), zap.Error(err))
			return
		}
		pair = types.ConnectionGroupPair{ConnectionID: conn.ID, GroupID: conn.GroupID}
	}

	if err := d.sup.StartConnection(ctx, pair); err != nil {
		d.log.Error("starting initial connection", zap.Stringer("pair", pair), zap.Error(err))
	}
}

func (d *Daemon) connectionName(pair types.ConnectionGroupPair) string {
	conn := d.app.Registry.ConnectionMeta(context.Background(), pair.ConnectionID)
	if conn.IsEmpty() {
		return pair.ConnectionID
	}
	return conn.Name
}

// fatal handles SIGABRT/SIGHUP/SIGQUIT: report, then die.
func (d *Daemon) fatal(sig os.Signal) {
	cause := sig.String()
	if s, ok := sig.(syscall.Signal); ok {
		cause = strconv.Itoa(int(s))
	}
	d.reportCrash(cause)
	signals.Die()
}

func (d *Daemon) reportCrash(cause string) {
	fmt.Fprintln(os.Stderr, "Collecting stack trace")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, path, err := d.reporter.Write(ctx, cause)
	fmt.Fprintln(os.Stderr, msg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to save the crash report:", err)
		return
	}
	fmt.Fprintln(os.Stderr, "Crash report saved in: "+path)

	n := d.notifier
	if n == nil {
		n = notify.New(d.app.Log)
		defer n.Close()
	}
	n.Critical("CoreKeeper crashed", "Please report a bug with the file located here:\n"+path)
}
