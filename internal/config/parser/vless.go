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

// VLESSParser handles vless://uuid@host:port?params#name links.
type VLESSParser struct{}

func (p *VLESSParser) Protocol() string { return "vless" }

func (p *VLESSParser) Parse(uri string) (*models.Connection, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "vless" {
		return nil, fmt.Errorf("%w: not a vless link", pkgerrors.ErrURIInvalid)
	}
	id := u.User.Username()
	if id == "" {
		return nil, fmt.Errorf("%w: vless link without uuid", pkgerrors.ErrURIInvalid)
	}
	host, port, err := hostPort(u.Host)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	conn := &models.Connection{
		Name:     displayName(u.Fragment, host, port),
		Protocol: p.Protocol(),
		Address:  host,
		Port:     port,
		URI:      uri,
	}
	if conn.AuthConfig, err = marshalAuth(models.AuthConfigVLESS{UUID: id, Flow: q.Get("flow")}); err != nil {
		return nil, err
	}
	if err := streamFromQuery(q).apply(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *VLESSParser) Encode(conn *models.Connection) (string, error) {
	var auth models.AuthConfigVLESS
	if err := json.Unmarshal(conn.AuthConfig, &auth); err != nil {
		return "", fmt.Errorf("bad vless credentials: %w", err)
	}
	s, err := streamOf(conn)
	if err != nil {
		return "", err
	}

	q := s.query()
	if auth.Flow != "" {
		q.Set("flow", auth.Flow)
	}
	q.Set("encryption", "none")
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(auth.UUID),
		Host:     net.JoinHostPort(conn.Address, strconv.Itoa(conn.Port)),
		RawQuery: q.Encode(),
		Fragment: conn.Name,
	}
	return u.String(), nil
}
