// Package app wires the daemon's services together and maps startup
// failures to exit codes.
package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"corekeeper/internal/config"
	"corekeeper/internal/config/parser"
	"corekeeper/internal/core"
	"corekeeper/internal/core/xray"
	"corekeeper/internal/event"
	"corekeeper/internal/logging"
	"corekeeper/internal/paths"
	"corekeeper/internal/registry"
	"corekeeper/internal/storage"
	"corekeeper/internal/storage/sqlite"
	"corekeeper/internal/subscription"
	pkgerrors "corekeeper/pkg/errors"
)

// Options controls how the application is opened.
type Options struct {
	// Home places every directory under one root instead of the per-user
	// locations.
	Home string
	// LogLevel overrides log.level from the config file.
	LogLevel string
	// Quiet drops console logging (the terminal monitor owns the screen).
	Quiet bool
}

// App represents the application context shared by the CLI and the daemon.
type App struct {
	Dirs     paths.Dirs
	Config   *config.Config
	Log      *zap.Logger
	Storage  storage.Storage
	Bus      *event.Bus
	Registry *registry.Registry
	Parser   *parser.Registry

	closeLog func()
}

// Open resolves the directories, loads the configuration, opens the database
// and builds the registry. Failures are StartupErrors carrying the exit code.
func Open(opts Options) (*App, error) {
	dirs, err := paths.Resolve(opts.Home)
	if err != nil {
		return nil, startupError(ExitEarlySetup, "cannot determine the home directory", err)
	}
	if err := dirs.Ensure(); err != nil {
		return nil, startupError(ExitConfigPath, "cannot create the configuration directories", err)
	}

	cfg, err := config.Load(dirs.ConfigFile())
	switch {
	case errors.Is(err, pkgerrors.ErrConfigPath):
		return nil, startupError(ExitConfigPath, "cannot find or create the configuration file", err)
	case err != nil:
		return nil, startupError(ExitConfigFile, "configuration file corrupted", err)
	}

	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log, closeLog, err := logging.New(logging.Options{Level: level, File: cfg.Log.File, Quiet: opts.Quiet})
	if err != nil {
		return nil, startupError(ExitEarlySetup, "cannot set up logging", err)
	}

	store, err := sqlite.New(dirs.Database())
	if err != nil {
		closeLog()
		return nil, startupError(ExitEarlySetup, "cannot open the database", err)
	}
	paths.ChownToRealUser(dirs.Database())

	bus := event.New()
	return &App{
		Dirs:     dirs,
		Config:   cfg,
		Log:      log,
		Storage:  store,
		Bus:      bus,
		Registry: registry.New(store, bus, log),
		Parser:   parser.NewRegistry(),
		closeLog: closeLog,
	}, nil
}

// Close closes the application and releases resources
func (a *App) Close() error {
	a.Bus.Close()
	err := a.Storage.Close()
	a.Log.Sync()
	a.closeLog()
	return err
}

// Subscriptions returns a subscription manager over the app's storage.
func (a *App) Subscriptions() *subscription.Manager {
	return subscription.NewManager(a.Storage, a.Parser, a.Config.Subscription, a.Bus, a.Log)
}

// NewCore creates an xray launcher keeping its files in workDir. Its log
// lines are not republished; only the daemon's kernel feeds the bus.
func (a *App) NewCore(workDir string) (core.ProxyCore, error) {
	return a.newXray(workDir, nil)
}

func (a *App) newXray(workDir string, onLog func(string)) (*xray.Xray, error) {
	k := a.Config.Kernel
	x, err := xray.New(xray.Options{
		BinaryPath:  k.Path,
		AssetDir:    k.AssetDir,
		WorkDir:     workDir,
		StartGrace:  k.StartGrace,
		StopTimeout: k.StopTimeout,
		OnLog:       onLog,
		Log:         a.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize kernel: %w", err)
	}
	return x, nil
}
