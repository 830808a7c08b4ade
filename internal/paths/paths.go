package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

const appName = "corekeeper"

// HomeDir returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /root, but the daemon state (pid files,
// config, database) must live with the invoking user.
func HomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the UID and GID of the invoking user under sudo
// (SUDO_UID / SUDO_GID). ok is false when not under sudo.
func RealUser() (uid, gid int, ok bool) {
	sudoUID := os.Getenv("SUDO_UID")
	if sudoUID == "" {
		return 0, 0, false
	}
	u, err := strconv.ParseInt(sudoUID, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	var g int64
	if sudoGID := os.Getenv("SUDO_GID"); sudoGID != "" {
		g, _ = strconv.ParseInt(sudoGID, 10, 64)
	}
	return int(u), int(g), true
}

// ChownToRealUser hands path back to the invoking user when running under sudo.
func ChownToRealUser(path string) {
	if uid, gid, ok := RealUser(); ok {
		os.Chown(path, uid, gid)
	}
}

// Dirs groups every directory the daemon writes to. A zero Root means the
// per-user XDG-style locations under HomeDir.
type Dirs struct {
	Config string
	Data   string
	Cache  string
}

// Resolve returns the directory set. When root is non-empty everything is
// placed under it (used by --home and tests).
func Resolve(root string) (Dirs, error) {
	if root != "" {
		return Dirs{
			Config: filepath.Join(root, "config"),
			Data:   filepath.Join(root, "data"),
			Cache:  filepath.Join(root, "cache"),
		}, nil
	}

	home, err := HomeDir()
	if err != nil {
		return Dirs{}, err
	}
	return Dirs{
		Config: filepath.Join(home, ".config", appName),
		Data:   filepath.Join(home, ".local", "share", appName),
		Cache:  filepath.Join(home, ".cache", appName),
	}, nil
}

// Ensure creates all directories.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Config, d.Data, d.Cache} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
		ChownToRealUser(dir)
	}
	return nil
}

// ConfigFile is the YAML settings file.
func (d Dirs) ConfigFile() string { return filepath.Join(d.Config, "config.yaml") }

// Database is the sqlite registry.
func (d Dirs) Database() string { return filepath.Join(d.Data, appName+".db") }

// BugReportDir holds crash reports.
func (d Dirs) BugReportDir() string { return filepath.Join(d.Config, "bugreport") }

// DaemonPIDFile records the pid of the running daemon.
func (d Dirs) DaemonPIDFile() string { return filepath.Join(d.Cache, "daemon.pid") }

// KernelPIDFile records the pid of the kernel process.
func (d Dirs) KernelPIDFile() string { return filepath.Join(d.Cache, "kernel.pid") }

// KernelLog is the kernel's combined stdout/stderr.
func (d Dirs) KernelLog() string { return filepath.Join(d.Cache, "kernel.log") }

// ControlSocket is the gRPC control socket.
func (d Dirs) ControlSocket() string { return filepath.Join(d.Cache, "control.sock") }

// UpgradeFile holds the path of a replacement executable requested via upgrade.
func (d Dirs) UpgradeFile() string { return filepath.Join(d.Cache, "upgrade.path") }
