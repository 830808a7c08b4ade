package xray

import (
	"encoding/json"
	"fmt"

	"corekeeper/internal/core/types"
	"corekeeper/internal/storage/models"
)

// Config is the subset of the Xray JSON configuration the daemon writes.
type Config struct {
	Log       *LogConfig       `json:"log,omitempty"`
	Stats     *StatsConfig     `json:"stats,omitempty"`
	API       *APIConfig       `json:"api,omitempty"`
	Policy    *PolicyConfig    `json:"policy,omitempty"`
	Inbounds  []InboundConfig  `json:"inbounds"`
	Outbounds []OutboundConfig `json:"outbounds"`
	Routing   *RoutingConfig   `json:"routing,omitempty"`
	DNS       *DNSConfig       `json:"dns,omitempty"`
}

// StatsConfig enables xray statistics
type StatsConfig struct{}

// APIConfig configures xray gRPC API
type APIConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// PolicyConfig sets system-level policies
type PolicyConfig struct {
	System *SystemPolicy `json:"system,omitempty"`
}

// SystemPolicy controls system-level stats collection
type SystemPolicy struct {
	StatsInboundUplink    bool `json:"statsInboundUplink"`
	StatsInboundDownlink  bool `json:"statsInboundDownlink"`
	StatsOutboundUplink   bool `json:"statsOutboundUplink"`
	StatsOutboundDownlink bool `json:"statsOutboundDownlink"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	LogLevel string `json:"loglevel"`
}

// InboundConfig represents an inbound configuration
type InboundConfig struct {
	Tag      string                 `json:"tag"`
	Port     int                    `json:"port"`
	Listen   string                 `json:"listen,omitempty"`
	Protocol string                 `json:"protocol"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	Sniffing *SniffingConfig        `json:"sniffing,omitempty"`
}

// SniffingConfig represents traffic sniffing configuration
type SniffingConfig struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	RouteOnly    bool     `json:"routeOnly,omitempty"`
}

// OutboundConfig represents an outbound configuration
type OutboundConfig struct {
	Tag            string                 `json:"tag"`
	Protocol       string                 `json:"protocol"`
	Settings       map[string]interface{} `json:"settings,omitempty"`
	StreamSettings *StreamSettings        `json:"streamSettings,omitempty"`
	Mux            *MuxConfig             `json:"mux,omitempty"`
}

// MuxConfig represents multiplexing settings
type MuxConfig struct {
	Enabled     bool `json:"enabled"`
	Concurrency int  `json:"concurrency"`
}

// StreamSettings represents stream settings (transport + TLS)
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security,omitempty"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	HTTPSettings    *HTTPSettings    `json:"httpSettings,omitempty"`
	QUICSettings    *QUICSettings    `json:"quicSettings,omitempty"`
}

// TLSSettings represents TLS settings
type TLSSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
}

// RealitySettings represents xray Reality protocol settings
type RealitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

// WSSettings represents WebSocket settings
type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GRPCSettings represents gRPC settings
type GRPCSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
	MultiMode   bool   `json:"multiMode,omitempty"`
}

// HTTPSettings represents HTTP settings
type HTTPSettings struct {
	Path string   `json:"path,omitempty"`
	Host []string `json:"host,omitempty"`
}

// QUICSettings represents QUIC settings
type QUICSettings struct {
	Security string `json:"security,omitempty"`
	Key      string `json:"key,omitempty"`
}

// RoutingConfig represents routing configuration
type RoutingConfig struct {
	DomainStrategy string        `json:"domainStrategy,omitempty"`
	Rules          []RoutingRule `json:"rules,omitempty"`
}

// RoutingRule represents a routing rule
type RoutingRule struct {
	Type        string   `json:"type,omitempty"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Network     string   `json:"network,omitempty"`
	OutboundTag string   `json:"outboundTag"`
	InboundTag  []string `json:"inboundTag,omitempty"`
}

// DNSConfig represents DNS configuration
type DNSConfig struct {
	Servers []interface{} `json:"servers"`
}

// Inbound and outbound tags. The stats counters are named after them.
const (
	tagAPI     = "api"
	tagAPIIn   = "api-in"
	tagSOCKSIn = "socks-in"
	tagHTTPIn  = "http-in"
	tagProxy   = "proxy"
	tagDirect  = "direct"
	tagBlock   = "block"

	defaultAPIPort = 10085
)

// supportedProtocols are the outbound protocols buildOutbound understands.
var supportedProtocols = []string{"shadowsocks", "trojan", "vless", "vmess"}

func apiPort(cfg *types.CoreConfig) int {
	if cfg.APIPort > 0 {
		return cfg.APIPort
	}
	return defaultAPIPort
}

// buildConfig turns a CoreConfig into the JSON document passed to `xray run`.
func buildConfig(cfg *types.CoreConfig) (*Config, error) {
	if cfg == nil || cfg.Connection == nil {
		return nil, fmt.Errorf("no connection in kernel config")
	}
	if cfg.SOCKSPort <= 0 && cfg.HTTPPort <= 0 {
		return nil, fmt.Errorf("no local inbound port configured")
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}

	out := &Config{
		Log:   &LogConfig{LogLevel: logLevel},
		Stats: &StatsConfig{},
		API: &APIConfig{
			Tag:      tagAPI,
			Services: []string{"StatsService"},
		},
		Policy: &PolicyConfig{
			System: &SystemPolicy{
				StatsInboundUplink:    true,
				StatsInboundDownlink:  true,
				StatsOutboundUplink:   true,
				StatsOutboundDownlink: true,
			},
		},
		Inbounds: localInbounds(cfg),
	}

	proxy, err := buildOutbound(cfg.Connection)
	if err != nil {
		return nil, err
	}
	proxy.Tag = tagProxy
	if shouldEnableMux(cfg.Connection) {
		proxy.Mux = &MuxConfig{Enabled: true, Concurrency: 8}
	}

	out.Outbounds = []OutboundConfig{
		*proxy,
		{
			Tag:      tagDirect,
			Protocol: "freedom",
			Settings: map[string]interface{}{"domainStrategy": "UseIPv4"},
		},
		{Tag: tagBlock, Protocol: "blackhole"},
	}
	out.Routing = buildRouting(cfg.RoutingRules)
	out.DNS = buildDNS(cfg.DNSServers)
	return out, nil
}

func localInbounds(cfg *types.CoreConfig) []InboundConfig {
	listen := cfg.Listen
	if listen == "" {
		listen = "127.0.0.1"
	}
	sniff := &SniffingConfig{
		Enabled:      true,
		DestOverride: []string{"http", "tls"},
		RouteOnly:    true,
	}

	// dokodemo-door inbound the stats API is reached through; always loopback
	inbounds := []InboundConfig{{
		Tag:      tagAPIIn,
		Port:     apiPort(cfg),
		Listen:   "127.0.0.1",
		Protocol: "dokodemo-door",
		Settings: map[string]interface{}{"address": "127.0.0.1"},
	}}
	if cfg.SOCKSPort > 0 {
		inbounds = append(inbounds, InboundConfig{
			Tag:      tagSOCKSIn,
			Port:     cfg.SOCKSPort,
			Listen:   listen,
			Protocol: "socks",
			Settings: map[string]interface{}{"auth": "noauth", "udp": true},
			Sniffing: sniff,
		})
	}
	if cfg.HTTPPort > 0 {
		inbounds = append(inbounds, InboundConfig{
			Tag:      tagHTTPIn,
			Port:     cfg.HTTPPort,
			Listen:   listen,
			Protocol: "http",
			Sniffing: sniff,
		})
	}
	return inbounds
}

func buildRouting(user []types.RoutingRule) *RoutingConfig {
	rules := []RoutingRule{
		{Type: "field", InboundTag: []string{tagAPIIn}, OutboundTag: tagAPI},
		{Type: "field", IP: []string{"geoip:private"}, OutboundTag: tagDirect},
	}
	for _, r := range user {
		rule := RoutingRule{Type: "field", OutboundTag: r.Outbound}
		switch r.Type {
		case "domain":
			rule.Domain = []string{r.Pattern}
		case "geosite":
			rule.Domain = []string{"geosite:" + r.Pattern}
		case "ip":
			rule.IP = []string{r.Pattern}
		case "geoip":
			rule.IP = []string{"geoip:" + r.Pattern}
		default:
			continue
		}
		rules = append(rules, rule)
	}
	rules = append(rules, RoutingRule{Type: "field", Network: "tcp,udp", OutboundTag: tagProxy})
	return &RoutingConfig{DomainStrategy: "AsIs", Rules: rules}
}

func buildDNS(servers []string) *DNSConfig {
	if len(servers) == 0 {
		return nil
	}
	out := make([]interface{}, 0, len(servers)+1)
	for _, s := range servers {
		out = append(out, s)
	}
	out = append(out, map[string]interface{}{
		"address": "localhost",
		"domains": []string{"geosite:private"},
	})
	return &DNSConfig{Servers: out}
}

// shouldEnableMux reports whether the outbound benefits from multiplexing.
// XTLS flows and QUIC break under mux.
func shouldEnableMux(conn *models.Connection) bool {
	if conn.Network == "quic" {
		return false
	}
	if conn.Protocol == "vless" {
		var auth models.AuthConfigVLESS
		if err := json.Unmarshal(conn.AuthConfig, &auth); err == nil && auth.Flow != "" {
			return false
		}
	}
	switch conn.Network {
	case "tcp", "ws", "grpc", "http", "h2", "":
		return true
	}
	return false
}

func buildOutbound(conn *models.Connection) (*OutboundConfig, error) {
	outbound := &OutboundConfig{
		Protocol: conn.Protocol,
		Settings: map[string]interface{}{},
	}

	var err error
	switch conn.Protocol {
	case "vmess":
		var auth models.AuthConfigVMess
		if err = json.Unmarshal(conn.AuthConfig, &auth); err == nil {
			security := auth.Security
			if security == "" {
				security = "auto"
			}
			outbound.Settings["vnext"] = []map[string]interface{}{{
				"address": conn.Address,
				"port":    conn.Port,
				"users": []map[string]interface{}{{
					"id":       auth.UUID,
					"alterId":  auth.AlterID,
					"security": security,
				}},
			}}
		}
	case "vless":
		var auth models.AuthConfigVLESS
		if err = json.Unmarshal(conn.AuthConfig, &auth); err == nil {
			user := map[string]interface{}{"id": auth.UUID, "encryption": "none"}
			if auth.Flow != "" {
				user["flow"] = auth.Flow
			}
			outbound.Settings["vnext"] = []map[string]interface{}{{
				"address": conn.Address,
				"port":    conn.Port,
				"users":   []map[string]interface{}{user},
			}}
		}
	case "trojan":
		var auth models.AuthConfigTrojan
		if err = json.Unmarshal(conn.AuthConfig, &auth); err == nil {
			outbound.Settings["servers"] = []map[string]interface{}{{
				"address":  conn.Address,
				"port":     conn.Port,
				"password": auth.Password,
			}}
		}
	case "shadowsocks":
		var auth models.AuthConfigShadowsocks
		if err = json.Unmarshal(conn.AuthConfig, &auth); err == nil {
			outbound.Settings["servers"] = []map[string]interface{}{{
				"address":  conn.Address,
				"port":     conn.Port,
				"method":   auth.Method,
				"password": auth.Password,
			}}
		}
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", conn.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("bad %s credentials: %w", conn.Protocol, err)
	}

	stream, err := buildStreamSettings(conn)
	if err != nil {
		return nil, err
	}
	outbound.StreamSettings = stream
	return outbound, nil
}

func buildStreamSettings(conn *models.Connection) (*StreamSettings, error) {
	network := conn.Network
	if network == "" {
		network = "tcp"
	}
	stream := &StreamSettings{Network: network}

	if conn.TLSEnabled {
		var tlsConfig models.TLSConfig
		if len(conn.TLSConfig) > 0 {
			if err := json.Unmarshal(conn.TLSConfig, &tlsConfig); err != nil {
				return nil, fmt.Errorf("bad tls config: %w", err)
			}
		}
		fingerprint := tlsConfig.Fingerprint
		if fingerprint == "" {
			fingerprint = "chrome"
		}

		if len(tlsConfig.PublicKey) > 0 && tlsConfig.PublicKey[0] != "" {
			stream.Security = "reality"
			stream.RealitySettings = &RealitySettings{
				ServerName:  tlsConfig.ServerName,
				Fingerprint: fingerprint,
				PublicKey:   tlsConfig.PublicKey[0],
				ShortID:     tlsConfig.ShortID,
				SpiderX:     tlsConfig.SpiderX,
			}
		} else {
			stream.Security = "tls"
			stream.TLSSettings = &TLSSettings{
				ServerName:    tlsConfig.ServerName,
				AllowInsecure: tlsConfig.AllowInsecure,
				ALPN:          tlsConfig.ALPN,
				Fingerprint:   fingerprint,
			}
		}
	}

	if len(conn.TransportConfig) == 0 {
		return stream, nil
	}
	var transport models.TransportConfig
	if err := json.Unmarshal(conn.TransportConfig, &transport); err != nil {
		return nil, fmt.Errorf("bad transport config: %w", err)
	}

	switch network {
	case "ws":
		stream.WSSettings = &WSSettings{Path: transport.WSPath, Headers: transport.WSHeaders}
	case "grpc":
		stream.GRPCSettings = &GRPCSettings{
			ServiceName: transport.GRPCServiceName,
			MultiMode:   transport.GRPCMode == "multi",
		}
	case "http", "h2":
		stream.HTTPSettings = &HTTPSettings{Path: transport.HTTPPath, Host: transport.HTTPHeaders["Host"]}
	case "quic":
		stream.QUICSettings = &QUICSettings{Security: transport.QUICSecurity, Key: transport.QUICKey}
	}
	return stream, nil
}
