//go:build !windows

package xray

import (
	"bytes"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"corekeeper/internal/paths"
)

// sysProcAttr puts the kernel in its own process group so signals reach any
// children, and drops to the invoking user when running under sudo.
func sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if uid, gid, ok := paths.RealUser(); ok && os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	return attr
}

func interruptGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGINT)
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// runsConfig reports whether pid's command line mentions configPath. Where
// /proc is unavailable it answers false so nothing unrelated is killed.
func runsConfig(pid int, configPath string) bool {
	cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return false
	}
	return bytes.Contains(cmdline, []byte(configPath))
}
