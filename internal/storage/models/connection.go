package models

import (
	"encoding/json"
	"time"
)

// Connection is a proxy endpoint profile the kernel can be started with.
type Connection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GroupID  string `json:"group_id"`
	Protocol string `json:"protocol"` // vmess, vless, trojan, shadowsocks

	Address string `json:"address"`
	Port    int    `json:"port"`

	// Protocol-specific credentials, stored as JSON
	AuthConfig json.RawMessage `json:"auth_config"`

	Network         string          `json:"network"` // tcp, ws, grpc, http, quic
	TransportConfig json.RawMessage `json:"transport_config,omitempty"`

	TLSEnabled bool            `json:"tls_enabled"`
	TLSConfig  json.RawMessage `json:"tls_config,omitempty"`

	// Share link the connection was imported from
	URI string `json:"uri,omitempty"`

	// true when owned by the group's subscription and replaced on every update
	FromSubscription bool `json:"from_subscription"`

	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`

	LastConnected *time.Time `json:"last_connected,omitempty"`
	UseCount      int        `json:"use_count"`
	TotalUpload   int64      `json:"total_upload"`
	TotalDownload int64      `json:"total_download"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty reports whether c is the zero value returned for unknown ids.
func (c Connection) IsEmpty() bool {
	return c.ID == ""
}

// AuthConfigVMess represents VMess authentication configuration
type AuthConfigVMess struct {
	UUID     string `json:"uuid"`
	AlterID  int    `json:"alter_id"`
	Security string `json:"security"` // auto, aes-128-gcm, chacha20-poly1305, none
}

// AuthConfigVLESS represents VLESS authentication configuration
type AuthConfigVLESS struct {
	UUID string `json:"uuid"`
	Flow string `json:"flow,omitempty"` // xtls-rprx-vision, etc.
}

// AuthConfigTrojan represents Trojan authentication configuration
type AuthConfigTrojan struct {
	Password string `json:"password"`
}

// AuthConfigShadowsocks represents Shadowsocks authentication configuration
type AuthConfigShadowsocks struct {
	Method   string `json:"method"`
	Password string `json:"password"`
}

// TransportConfig holds the stream settings of ws, grpc, http and quic transports.
type TransportConfig struct {
	WSPath    string            `json:"ws_path,omitempty"`
	WSHeaders map[string]string `json:"ws_headers,omitempty"`

	GRPCServiceName string `json:"grpc_service_name,omitempty"`
	GRPCMode        string `json:"grpc_mode,omitempty"` // gun, multi

	HTTPPath    string              `json:"http_path,omitempty"`
	HTTPHeaders map[string][]string `json:"http_headers,omitempty"`

	QUICKey      string `json:"quic_key,omitempty"`
	QUICSecurity string `json:"quic_security,omitempty"`
}

// TLSConfig represents TLS and REALITY settings
type TLSConfig struct {
	ServerName    string   `json:"server_name,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allow_insecure"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	PublicKey     []string `json:"public_key,omitempty"`
	ShortID       string   `json:"short_id,omitempty"`
	SpiderX       string   `json:"spider_x,omitempty"`
}
