package parser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// stream is the transport and TLS part of a share link, independent of how
// the link spells it (query string for vless/trojan, JSON for vmess).
type stream struct {
	Network     string
	Path        string
	Host        string
	ServiceName string
	Mode        string
	HeaderType  string

	Security    string // "", tls, reality
	SNI         string
	Fingerprint string
	ALPN        string
	PublicKey   string
	ShortID     string
	SpiderX     string
	Insecure    bool
}

func streamFromQuery(q url.Values) stream {
	s := stream{
		Network:     q.Get("type"),
		Path:        q.Get("path"),
		Host:        q.Get("host"),
		ServiceName: q.Get("serviceName"),
		Mode:        q.Get("mode"),
		HeaderType:  q.Get("headerType"),
		Security:    q.Get("security"),
		SNI:         q.Get("sni"),
		Fingerprint: q.Get("fp"),
		ALPN:        q.Get("alpn"),
		PublicKey:   q.Get("pbk"),
		ShortID:     q.Get("sid"),
		SpiderX:     q.Get("spx"),
		Insecure:    q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true",
	}
	if s.Network == "" {
		s.Network = "tcp"
	}
	if s.SNI == "" {
		s.SNI = q.Get("peer")
	}
	if s.Security == "none" {
		s.Security = ""
	}
	return s
}

// query renders s as share-link parameters.
func (s stream) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	if s.Network != "tcp" {
		set("type", s.Network)
	}
	set("path", s.Path)
	set("host", s.Host)
	set("serviceName", s.ServiceName)
	set("mode", s.Mode)
	set("headerType", s.HeaderType)
	set("security", s.Security)
	set("sni", s.SNI)
	set("fp", s.Fingerprint)
	set("alpn", s.ALPN)
	set("pbk", s.PublicKey)
	set("sid", s.ShortID)
	set("spx", s.SpiderX)
	if s.Insecure {
		q.Set("allowInsecure", "1")
	}
	return q
}

// apply stores s in conn's network, transport and TLS fields.
func (s stream) apply(conn *models.Connection) error {
	conn.Network = s.Network
	if conn.Network == "" {
		conn.Network = "tcp"
	}

	var t models.TransportConfig
	switch conn.Network {
	case "ws":
		t.WSPath = s.Path
		if s.Host != "" {
			t.WSHeaders = map[string]string{"Host": s.Host}
		}
	case "grpc":
		t.GRPCServiceName = s.ServiceName
		if t.GRPCServiceName == "" {
			t.GRPCServiceName = s.Path
		}
		t.GRPCMode = s.Mode
	case "http", "h2":
		t.HTTPPath = s.Path
		if s.Host != "" {
			t.HTTPHeaders = map[string][]string{"Host": strings.Split(s.Host, ",")}
		}
	case "quic":
		t.QUICKey = s.Path
		t.QUICSecurity = s.Host
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if string(raw) != "{}" {
		conn.TransportConfig = raw
	}

	conn.TLSEnabled = s.Security == "tls" || s.Security == "reality"
	if !conn.TLSEnabled {
		return nil
	}
	tls := models.TLSConfig{
		ServerName:    s.SNI,
		Fingerprint:   s.Fingerprint,
		AllowInsecure: s.Insecure,
	}
	if s.ALPN != "" {
		tls.ALPN = strings.Split(s.ALPN, ",")
	}
	if s.Security == "reality" {
		if s.PublicKey == "" {
			return fmt.Errorf("%w: reality without public key", pkgerrors.ErrURIInvalid)
		}
		tls.PublicKey = []string{s.PublicKey}
		tls.ShortID = s.ShortID
		tls.SpiderX = s.SpiderX
	}
	if conn.TLSConfig, err = json.Marshal(tls); err != nil {
		return err
	}
	return nil
}

// streamOf reads the stream settings back out of conn.
func streamOf(conn *models.Connection) (stream, error) {
	s := stream{Network: conn.Network}
	if s.Network == "" {
		s.Network = "tcp"
	}

	var t models.TransportConfig
	if len(conn.TransportConfig) > 0 {
		if err := json.Unmarshal(conn.TransportConfig, &t); err != nil {
			return s, fmt.Errorf("bad transport config: %w", err)
		}
	}
	switch s.Network {
	case "ws":
		s.Path, s.Host = t.WSPath, t.WSHeaders["Host"]
	case "grpc":
		s.ServiceName, s.Mode = t.GRPCServiceName, t.GRPCMode
	case "http", "h2":
		s.Path = t.HTTPPath
		s.Host = strings.Join(t.HTTPHeaders["Host"], ",")
	case "quic":
		s.Path, s.Host = t.QUICKey, t.QUICSecurity
	}

	if !conn.TLSEnabled {
		return s, nil
	}
	var tls models.TLSConfig
	if len(conn.TLSConfig) > 0 {
		if err := json.Unmarshal(conn.TLSConfig, &tls); err != nil {
			return s, fmt.Errorf("bad tls config: %w", err)
		}
	}
	s.Security = "tls"
	s.SNI = tls.ServerName
	s.Fingerprint = tls.Fingerprint
	s.ALPN = strings.Join(tls.ALPN, ",")
	s.Insecure = tls.AllowInsecure
	if len(tls.PublicKey) > 0 && tls.PublicKey[0] != "" {
		s.Security = "reality"
		s.PublicKey = tls.PublicKey[0]
		s.ShortID = tls.ShortID
		s.SpiderX = tls.SpiderX
	}
	return s, nil
}

// hostPort splits "host:port" (IPv6 hosts in brackets) and checks the port.
func hostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", pkgerrors.ErrURIInvalid, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: missing address", pkgerrors.ErrURIInvalid)
	}
	return host, port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", pkgerrors.ErrURIInvalid, s)
	}
	return port, nil
}

// displayName is the unescaped fragment, or host:port when there is none.
func displayName(fragment, host string, port int) string {
	if name, err := url.QueryUnescape(fragment); err == nil {
		fragment = name
	}
	if fragment = strings.TrimSpace(fragment); fragment != "" {
		return fragment
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// decodeBase64 accepts padded and unpadded, standard and URL-safe input.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: not base64", pkgerrors.ErrURIInvalid)
}

// DecodeBase64 is decodeBase64 for subscription bodies.
func DecodeBase64(s string) ([]byte, error) {
	return decodeBase64(s)
}

func marshalAuth(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth config: %w", err)
	}
	return raw, nil
}
