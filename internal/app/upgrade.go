package app

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// RequestUpgrade records binary as the replacement executable. The daemon
// picks it up when it shuts down.
func RequestUpgrade(file, binary string) error {
	abs, err := filepath.Abs(binary)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("replacement executable: %w", err)
	}
	if !info.Mode().IsRegular() || (runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0) {
		return fmt.Errorf("replacement executable %s is not executable", abs)
	}
	return os.WriteFile(file, []byte(abs+"\n"), 0o600)
}

// PendingUpgrade reads and clears the recorded replacement executable.
func PendingUpgrade(file string) (string, bool) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", false
	}
	os.Remove(file)
	binary := strings.TrimSpace(string(data))
	return binary, binary != ""
}

// Relaunch starts "<binary> run [args...]" detached from this process.
func Relaunch(binary string, args ...string) error {
	if binary == "" {
		return errors.New("no replacement executable")
	}
	cmd := exec.Command(binary, append([]string{"run"}, args...)...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", binary, err)
	}
	return cmd.Process.Release()
}
