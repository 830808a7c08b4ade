package types

import (
	"fmt"
	"time"

	"corekeeper/internal/storage/models"
)

// ConnectionGroupPair addresses one connection inside one group. The zero
// value means "no connection".
type ConnectionGroupPair struct {
	ConnectionID string `json:"connectionId"`
	GroupID      string `json:"groupId"`
}

// IsEmpty reports whether p is the "no connection" sentinel.
func (p ConnectionGroupPair) IsEmpty() bool {
	return p.ConnectionID == "" && p.GroupID == ""
}

func (p ConnectionGroupPair) String() string {
	if p.IsEmpty() {
		return "(none)"
	}
	return fmt.Sprintf("%s@%s", p.ConnectionID, p.GroupID)
}

// CoreConfig represents configuration for starting a core
type CoreConfig struct {
	Connection   *models.Connection
	SOCKSPort    int
	HTTPPort     int
	Listen       string
	APIPort      int // loopback port of the kernel's stats API
	LogLevel     string
	DNSServers   []string
	RoutingRules []RoutingRule
}

// State is the supervisor's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Status represents core runtime status
type Status struct {
	State      State
	Connection ConnectionGroupPair
	PID        int
	StartedAt  time.Time
	Uptime     time.Duration
	CoreType   string
}

// Running reports whether a kernel process is up.
func (s Status) Running() bool {
	return s.State == StateRunning
}

// StatisticsType selects which traffic counter a speed sample belongs to.
type StatisticsType string

const (
	StatsInbound        StatisticsType = "inbound"
	StatsOutboundProxy  StatisticsType = "outbound-proxy"
	StatsOutboundDirect StatisticsType = "outbound-direct"
)

// SpeedData is one counter's speed and running totals.
type SpeedData struct {
	UploadSpeed   uint64 `json:"upload_speed"`   // bytes per second
	DownloadSpeed uint64 `json:"download_speed"` // bytes per second
	TotalUpload   uint64 `json:"total_upload"`   // bytes since start
	TotalDownload uint64 `json:"total_download"` // bytes since start
}

// Sample is one poll of the kernel's traffic counters.
type Sample map[StatisticsType]SpeedData

// TrafficCounters are raw byte counters read from the kernel, keyed by
// statistics type.
type TrafficCounters map[StatisticsType]Counter

// Counter is an uplink/downlink byte pair.
type Counter struct {
	Uplink   uint64
	Downlink uint64
}

// RoutingRule represents a routing rule
type RoutingRule struct {
	Type     string // domain, ip, geoip, etc.
	Pattern  string
	Outbound string // proxy, direct, block
}

// CoreType represents the type of proxy core
type CoreType string

const (
	CoreTypeXray CoreType = "xray"
)

// KernelInfo describes a kernel binary for diagnostics.
type KernelInfo struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Path      string   `json:"path"`
	Protocols []string `json:"protocols"`
}
