// Package crash writes bug reports when the daemon dies from a fatal signal
// or an unrecovered panic.
package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"corekeeper/internal/core/types"
	"corekeeper/internal/registry"
	"corekeeper/internal/storage/models"
)

// Kernel is what the report needs from the supervisor.
type Kernel interface {
	ActiveKernelProtocols() []string
	CurrentConnection() types.ConnectionGroupPair
	Kernels(ctx context.Context) []types.KernelInfo
}

// Catalog is what the report needs from the connection registry.
type Catalog interface {
	ConnectionMeta(ctx context.Context, id string) models.Connection
	GroupMeta(ctx context.Context, id string) models.Group
}

// Reporter assembles and stores crash reports. Kernel and Catalog may be nil
// when the crash happens before they exist.
type Reporter struct {
	Dir     string // bugreport directory
	Kernel  Kernel
	Catalog Catalog
	// Config returns the global configuration as JSON.
	Config func() string

	now   func() time.Time
	stack func() []byte
}

const (
	beginMarker = "------- BEGIN COREKEEPER CRASH REPORT -------"
	endMarker   = "------- END OF COREKEEPER CRASH REPORT -------"
)

// Build renders the report. cause is the signal number or panic value.
func (r *Reporter) Build(ctx context.Context, cause string) string {
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line("Signal: " + cause)
	line(beginMarker)
	stack := r.stack
	if stack == nil {
		stack = allStacks
	}
	line(strings.TrimRight(string(stack()), "\n"))

	if r.Kernel != nil {
		line("Active Kernel Instances:")
		protocols := r.Kernel.ActiveKernelProtocols()
		if protocols == nil {
			protocols = []string{}
		}
		line(compact(protocols))
		line("Current Connection:")
		current := r.Kernel.CurrentConnection()
		line(compact(current))
		line("")

		if r.Catalog != nil && !current.IsEmpty() {
			line("Active Connection Settings:")
			line(compact(registry.RedactConnection(r.Catalog.ConnectionMeta(ctx, current.ConnectionID))))
			line("")
			line("Group:")
			line(compact(registry.RedactGroup(r.Catalog.GroupMeta(ctx, current.GroupID))))
			line("")
		}

		line("Kernels:")
		for _, k := range r.Kernel.Kernels(ctx) {
			line(compact([]any{k.Name, k.Version, k.Path, k.Protocols}))
		}
		line("")
	}

	line("GlobalConfig:")
	if r.Config != nil {
		line(r.Config())
	} else {
		line("{}")
	}
	b.WriteString(endMarker)
	return b.String()
}

// Write builds the report and stores it as
// <Dir>/CoreKeeperBugReport_<unix>.stacktrace, returning the text and path.
func (r *Reporter) Write(ctx context.Context, cause string) (string, string, error) {
	msg := r.Build(ctx, cause)

	now := time.Now
	if r.now != nil {
		now = r.now
	}
	if err := os.MkdirAll(r.Dir, 0o700); err != nil {
		return msg, "", fmt.Errorf("failed to create bug report directory: %w", err)
	}
	path := filepath.Join(r.Dir, "CoreKeeperBugReport_"+strconv.FormatInt(now().Unix(), 10)+".stacktrace")
	if err := os.WriteFile(path, []byte(msg), 0o600); err != nil {
		return msg, "", fmt.Errorf("failed to write bug report: %w", err)
	}
	return msg, path, nil
}

func compact(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(raw)
}

func allStacks() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		if len(buf) >= 8<<20 {
			return buf
		}
		buf = make([]byte, 2*len(buf))
	}
}
