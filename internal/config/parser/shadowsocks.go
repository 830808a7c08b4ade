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

// ShadowsocksParser handles SIP002 links, ss://userinfo@host:port#name where
// userinfo is base64(method:password) or percent-encoded method:password, and
// the legacy ss://base64(method:password@host:port)#name form.
type ShadowsocksParser struct{}

func (p *ShadowsocksParser) Protocol() string { return "shadowsocks" }

func (p *ShadowsocksParser) Parse(uri string) (*models.Connection, error) {
	rest, ok := strings.CutPrefix(uri, "ss://")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "shadowsocks://")
	}
	if !ok {
		return nil, fmt.Errorf("%w: not a shadowsocks link", pkgerrors.ErrURIInvalid)
	}

	rest, fragment, _ := strings.Cut(rest, "#")
	rest, _, _ = strings.Cut(rest, "?") // plugin options are not supported
	rest = strings.TrimSuffix(rest, "/")

	var userinfo, addr string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo, addr = rest[:at], rest[at+1:]
		if decoded, err := decodeBase64(userinfo); err == nil && strings.Contains(string(decoded), ":") {
			userinfo = string(decoded)
		} else if unescaped, err := url.PathUnescape(userinfo); err == nil {
			userinfo = unescaped
		}
	} else {
		decoded, err := decodeBase64(rest)
		if err != nil {
			return nil, err
		}
		at := strings.LastIndex(string(decoded), "@")
		if at < 0 {
			return nil, fmt.Errorf("%w: shadowsocks link without server", pkgerrors.ErrURIInvalid)
		}
		userinfo, addr = string(decoded[:at]), string(decoded[at+1:])
	}

	method, password, ok := strings.Cut(userinfo, ":")
	if !ok || method == "" || password == "" {
		return nil, fmt.Errorf("%w: shadowsocks credentials must be method:password", pkgerrors.ErrURIInvalid)
	}
	host, port, err := hostPort(addr)
	if err != nil {
		return nil, err
	}

	conn := &models.Connection{
		Name:     displayName(fragment, host, port),
		Protocol: p.Protocol(),
		Address:  host,
		Port:     port,
		Network:  "tcp",
		URI:      uri,
	}
	conn.AuthConfig, err = marshalAuth(models.AuthConfigShadowsocks{Method: strings.ToLower(method), Password: password})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *ShadowsocksParser) Encode(conn *models.Connection) (string, error) {
	var auth models.AuthConfigShadowsocks
	if err := json.Unmarshal(conn.AuthConfig, &auth); err != nil {
		return "", fmt.Errorf("bad shadowsocks credentials: %w", err)
	}
	userinfo := base64.RawURLEncoding.EncodeToString([]byte(auth.Method + ":" + auth.Password))
	u := url.URL{
		Scheme:   "ss",
		User:     url.User(userinfo),
		Host:     net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port)),
		Fragment: conn.Name,
	}
	return u.String(), nil
}
