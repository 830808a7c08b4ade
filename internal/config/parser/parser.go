// Package parser converts share links (vmess://, vless://, trojan://, ss://)
// into connections and back.
package parser

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"corekeeper/internal/storage/models"
	pkgerrors "corekeeper/pkg/errors"
)

// Parser handles one share-link scheme.
type Parser interface {
	// Protocol is the connection protocol produced, e.g. "vless".
	Protocol() string
	// Parse turns a share link into a connection without id or group.
	Parse(uri string) (*models.Connection, error)
	// Encode renders a connection back into a share link.
	Encode(conn *models.Connection) (string, error)
}

// Registry manages protocol parsers
type Registry struct {
	parsers map[string]Parser
	aliases map[string]string
}

// NewRegistry returns a registry with every built-in parser.
func NewRegistry() *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
		aliases: map[string]string{"ss": "shadowsocks"},
	}
	r.Register(&VMessParser{})
	r.Register(&VLESSParser{})
	r.Register(&TrojanParser{})
	r.Register(&ShadowsocksParser{})
	return r
}

// Register adds or replaces the parser for its protocol.
func (r *Registry) Register(p Parser) {
	r.parsers[strings.ToLower(p.Protocol())] = p
}

// Get retrieves a parser by protocol name or scheme alias.
func (r *Registry) Get(protocol string) (Parser, bool) {
	protocol = strings.ToLower(protocol)
	if alias, ok := r.aliases[protocol]; ok {
		protocol = alias
	}
	p, ok := r.parsers[protocol]
	return p, ok
}

// Detect picks the parser for uri from its scheme.
func (r *Registry) Detect(uri string) (Parser, error) {
	scheme, _, ok := strings.Cut(strings.TrimSpace(uri), "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme", pkgerrors.ErrURIInvalid)
	}
	p, found := r.Get(scheme)
	if !found {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrProtocolUnsupported, scheme)
	}
	return p, nil
}

// Parse parses a single share link.
func (r *Registry) Parse(uri string) (*models.Connection, error) {
	p, err := r.Detect(uri)
	if err != nil {
		return nil, err
	}
	return p.Parse(strings.TrimSpace(uri))
}

// Encode renders conn with the parser for its protocol.
func (r *Registry) Encode(conn *models.Connection) (string, error) {
	p, ok := r.Get(conn.Protocol)
	if !ok {
		return "", fmt.Errorf("%w: %s", pkgerrors.ErrProtocolUnsupported, conn.Protocol)
	}
	return p.Encode(conn)
}

// ParseLines parses one share link per line. Blank lines and lines starting
// with '#' are skipped; failures are collected instead of aborting.
func (r *Registry) ParseLines(text string) ([]*models.Connection, []error) {
	var (
		conns []*models.Connection
		errs  []error
	)
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		conn, err := r.Parse(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		conns = append(conns, conn)
	}
	return conns, errs
}

// Protocols lists the supported protocols in sorted order.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.parsers))
	for p := range r.parsers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Schemes lists every accepted link scheme, protocols and aliases alike.
func (r *Registry) Schemes() []string {
	out := r.Protocols()
	for alias := range r.aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
