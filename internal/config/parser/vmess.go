package parser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// VMessParser handles vmess://base64(json) links in the v2rayN format.
type VMessParser struct{}

// vmessLink is the v2rayN JSON body. Generators disagree on whether port and
// aid are numbers or strings, so both are accepted.
type vmessLink struct {
	V    string      `json:"v"`
	PS   string      `json:"ps"`
	Add  string      `json:"add"`
	Port flexibleInt `json:"port"`
	ID   string      `json:"id"`
	AID  flexibleInt `json:"aid"`
	Scy  string      `json:"scy,omitempty"`
	Net  string      `json:"net"`
	Type string      `json:"type,omitempty"`
	Host string      `json:"host,omitempty"`
	Path string      `json:"path,omitempty"`
	TLS  string      `json:"tls,omitempty"`
	SNI  string      `json:"sni,omitempty"`
	ALPN string      `json:"alpn,omitempty"`
	FP   string      `json:"fp,omitempty"`
}

type flexibleInt int

func (n *flexibleInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("not a number: %s", b)
		}
		v = int(f)
	}
	*n = flexibleInt(v)
	return nil
}

func (p *VMessParser) Protocol() string { return "vmess" }

func (p *VMessParser) Parse(uri string) (*models.Connection, error) {
	body, ok := strings.CutPrefix(uri, "vmess://")
	if !ok {
		return nil, fmt.Errorf("%w: not a vmess link", pkgerrors.ErrURIInvalid)
	}
	decoded, err := decodeBase64(body)
	if err != nil {
		return nil, err
	}
	var v vmessLink
	if err := json.Unmarshal(decoded, &v); err != nil {
		return nil, fmt.Errorf("%w: vmess body: %v", pkgerrors.ErrURIInvalid, err)
	}
	if v.ID == "" || v.Add == "" {
		return nil, fmt.Errorf("%w: vmess link without id or address", pkgerrors.ErrURIInvalid)
	}
	port, err := parsePort(strconv.Itoa(int(v.Port)))
	if err != nil {
		return nil, err
	}

	security := v.Scy
	if security == "" {
		security = "auto"
	}
	conn := &models.Connection{
		Name:     displayName(v.PS, v.Add, port),
		Protocol: p.Protocol(),
		Address:  v.Add,
		Port:     port,
		URI:      uri,
	}
	conn.AuthConfig, err = marshalAuth(models.AuthConfigVMess{UUID: v.ID, AlterID: int(v.AID), Security: security})
	if err != nil {
		return nil, err
	}

	s := stream{
		Network:     v.Net,
		Path:        v.Path,
		Host:        v.Host,
		HeaderType:  v.Type,
		SNI:         v.SNI,
		Fingerprint: v.FP,
		ALPN:        v.ALPN,
	}
	if v.Net == "grpc" {
		// v2rayN puts the service name in path and the mode in type
		s.ServiceName, s.Mode, s.HeaderType = v.Path, v.Type, ""
	}
	if v.TLS == "tls" {
		s.Security = "tls"
	}
	if err := s.apply(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *VMessParser) Encode(conn *models.Connection) (string, error) {
	var auth models.AuthConfigVMess
	if err := json.Unmarshal(conn.AuthConfig, &auth); err != nil {
		return "", fmt.Errorf("bad vmess credentials: %w", err)
	}
	s, err := streamOf(conn)
	if err != nil {
		return "", err
	}

	v := vmessLink{
		V:    "2",
		PS:   conn.Name,
		Add:  conn.Address,
		Port: flexibleInt(conn.Port),
		ID:   auth.UUID,
		AID:  flexibleInt(auth.AlterID),
		Scy:  auth.Security,
		Net:  s.Network,
		Type: s.HeaderType,
		Host: s.Host,
		Path: s.Path,
		SNI:  s.SNI,
		ALPN: s.ALPN,
		FP:   s.Fingerprint,
	}
	if s.Network == "grpc" {
		v.Path, v.Type = s.ServiceName, s.Mode
	}
	if s.Security != "" {
		v.TLS = "tls"
	}

	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal vmess link: %w", err)
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(body), nil
}
