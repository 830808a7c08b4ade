package parser

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

func TestParse(t *testing.T) {
	vmessBody := `{"v":"2","ps":"hk-01","add":"hk.example.com","port":"443","id":"b831381d-6324-4d53-ad4f-8cda48b30811","aid":0,"net":"ws","host":"cdn.example.com","path":"/ray","tls":"tls","sni":"cdn.example.com"}`

	tests := []struct {
		name     string
		uri      string
		protocol string
		address  string
		port     int
		title    string
		network  string
		tls      bool
	}{
		{
			name:     "vless reality",
			uri:      "vless://b831381d-6324-4d53-ad4f-8cda48b30811@1.2.3.4:443?security=reality&pbk=abc&sid=01&sni=www.example.com&flow=xtls-rprx-vision#Tokyo%20A",
			protocol: "vless", address: "1.2.3.4", port: 443, title: "Tokyo A", network: "tcp", tls: true,
		},
		{
			name:     "vless ws without name",
			uri:      "vless://b831381d-6324-4d53-ad4f-8cda48b30811@[2001:db8::1]:8443?type=ws&path=%2Fws&host=a.example.com",
			protocol: "vless", address: "2001:db8::1", port: 8443, title: "[2001:db8::1]:8443", network: "ws",
		},
		{
			name:     "trojan defaults to tls",
			uri:      "trojan://secret@t.example.com:443#trojan-1",
			protocol: "trojan", address: "t.example.com", port: 443, title: "trojan-1", network: "tcp", tls: true,
		},
		{
			name:     "trojan security none",
			uri:      "trojan://secret@t.example.com:80?security=none",
			protocol: "trojan", address: "t.example.com", port: 80, title: "t.example.com:80", network: "tcp",
		},
		{
			name:     "vmess",
			uri:      "vmess://" + base64.StdEncoding.EncodeToString([]byte(vmessBody)),
			protocol: "vmess", address: "hk.example.com", port: 443, title: "hk-01", network: "ws", tls: true,
		},
		{
			name:     "shadowsocks sip002",
			uri:      "ss://" + base64.RawURLEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pa:ss")) + "@ss.example.com:8388#SS",
			protocol: "shadowsocks", address: "ss.example.com", port: 8388, title: "SS", network: "tcp",
		},
		{
			name:     "shadowsocks plain userinfo",
			uri:      "ss://aes-256-gcm:hunter2@10.0.0.1:8388",
			protocol: "shadowsocks", address: "10.0.0.1", port: 8388, title: "10.0.0.1:8388", network: "tcp",
		},
		{
			name:     "shadowsocks legacy",
			uri:      "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pw@old.example.com:443")) + "#legacy",
			protocol: "shadowsocks", address: "old.example.com", port: 443, title: "legacy", network: "tcp",
		},
	}

	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := r.Parse(tt.uri)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if conn.Protocol != tt.protocol || conn.Address != tt.address || conn.Port != tt.port {
				t.Fatalf("Parse() = %s %s:%d", conn.Protocol, conn.Address, conn.Port)
			}
			if conn.Name != tt.title {
				t.Errorf("Name = %q, want %q", conn.Name, tt.title)
			}
			if conn.Network != tt.network || conn.TLSEnabled != tt.tls {
				t.Errorf("network=%q tls=%v, want %q %v", conn.Network, conn.TLSEnabled, tt.network, tt.tls)
			}
			if conn.URI != tt.uri {
				t.Errorf("URI not preserved")
			}
			if !json.Valid(conn.AuthConfig) {
				t.Errorf("AuthConfig = %s", conn.AuthConfig)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want error
	}{
		{"no scheme", "example.com:443", pkgerrors.ErrURIInvalid},
		{"unknown scheme", "hysteria2://pw@h.example.com:443", pkgerrors.ErrProtocolUnsupported},
		{"vless without uuid", "vless://@h.example.com:443", pkgerrors.ErrURIInvalid},
		{"bad port", "trojan://pw@h.example.com:99999", pkgerrors.ErrURIInvalid},
		{"missing port", "trojan://pw@h.example.com", pkgerrors.ErrURIInvalid},
		{"vmess garbage", "vmess://%%%", pkgerrors.ErrURIInvalid},
		{"reality without key", "vless://id@h.example.com:443?security=reality", pkgerrors.ErrURIInvalid},
		{"ss without password", "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-128-gcm")) + "@h.example.com:1", pkgerrors.ErrURIInvalid},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Parse(tt.uri); !errors.Is(err, tt.want) {
				t.Fatalf("Parse(%q) error = %v, want %v", tt.uri, err, tt.want)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	r := NewRegistry()
	uris := []string{
		"vless://b831381d-6324-4d53-ad4f-8cda48b30811@1.2.3.4:443?type=grpc&serviceName=svc&security=tls&sni=s.example.com#grpc",
		"trojan://secret@t.example.com:443?type=ws&path=%2Fws#trojan",
		"ss://" + base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:pw")) + "@ss.example.com:8388#ss",
	}
	for _, uri := range uris {
		orig, err := r.Parse(uri)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", uri, err)
		}
		encoded, err := r.Encode(orig)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		again, err := r.Parse(encoded)
		if err != nil {
			t.Fatalf("Parse(Encode()) = %q: %v", encoded, err)
		}
		if again.Name != orig.Name || again.Address != orig.Address || again.Network != orig.Network ||
			string(again.AuthConfig) != string(orig.AuthConfig) || string(again.TLSConfig) != string(orig.TLSConfig) {
			t.Errorf("round trip of %q changed the connection:\n%+v\n%+v", uri, orig, again)
		}
	}
}

func TestVMessEncodeDecode(t *testing.T) {
	conn := &models.Connection{
		Name:       "vm",
		Protocol:   "vmess",
		Address:    "v.example.com",
		Port:       10086,
		AuthConfig: json.RawMessage(`{"uuid":"id-1","alter_id":0,"security":"auto"}`),
		Network:    "tcp",
	}
	uri, err := (&VMessParser{}).Encode(conn)
	if err != nil {
		t.Fatal(err)
	}
	got, err := (&VMessParser{}).Parse(uri)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", uri, err)
	}
	if got.Port != 10086 || got.Name != "vm" || got.TLSEnabled {
		t.Fatalf("Parse() = %+v", got)
	}
}

func TestParseLines(t *testing.T) {
	text := strings.Join([]string{
		"# exported list",
		"trojan://a@one.example.com:443#one",
		"",
		"nonsense",
		"  trojan://b@two.example.com:443#two  ",
	}, "\n")

	conns, errs := NewRegistry().ParseLines(text)
	if len(conns) != 2 || conns[1].Name != "two" {
		t.Fatalf("ParseLines() conns = %d", len(conns))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "line 4") {
		t.Fatalf("ParseLines() errs = %v", errs)
	}
}

func TestProtocols(t *testing.T) {
	got := strings.Join(NewRegistry().Protocols(), ",")
	if got != "shadowsocks,trojan,vless,vmess" {
		t.Fatalf("Protocols() = %s", got)
	}
}

func TestSchemes(t *testing.T) {
	got := strings.Join(NewRegistry().Schemes(), ",")
	if got != "shadowsocks,ss,trojan,vless,vmess" {
		t.Fatalf("Schemes() = %s", got)
	}
}
