package parser

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// TrojanParser handles trojan://password@host:port?params#name links.
// Trojan always runs over TLS; security=none is the only way to turn it off.
type TrojanParser struct{}

func (p *TrojanParser) Protocol() string { return "trojan" }

func (p *TrojanParser) Parse(uri string) (*models.Connection, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "trojan" {
		return nil, fmt.Errorf("%w: not a trojan link", pkgerrors.ErrURIInvalid)
	}
	password := u.User.Username()
	if password == "" {
		return nil, fmt.Errorf("%w: trojan link without password", pkgerrors.ErrURIInvalid)
	}
	host, port, err := hostPort(u.Host)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	s := streamFromQuery(q)
	if q.Get("security") == "" {
		s.Security = "tls"
	}
	if s.Security == "tls" && s.SNI == "" {
		s.SNI = host
	}

	conn := &models.Connection{
		Name:     displayName(u.Fragment, host, port),
		Protocol: p.Protocol(),
		Address:  host,
		Port:     port,
		URI:      uri,
	}
	if conn.AuthConfig, err = marshalAuth(models.AuthConfigTrojan{Password: password}); err != nil {
		return nil, err
	}
	if err := s.apply(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *TrojanParser) Encode(conn *models.Connection) (string, error) {
	var auth models.AuthConfigTrojan
	if err := json.Unmarshal(conn.AuthConfig, &auth); err != nil {
		return "", fmt.Errorf("bad trojan credentials: %w", err)
	}
	s, err := streamOf(conn)
	if err != nil {
		return "", err
	}
	if s.Security == "" {
		s.Security = "none"
	}
	u := url.URL{
		Scheme:   "trojan",
		User:     url.User(auth.Password),
		Host:     net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port)),
		RawQuery: s.query().Encode(),
		Fragment: conn.Name,
	}
	return u.String(), nil
}
