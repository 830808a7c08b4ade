package subscription

import (
	"fmt"
	"net/http"
	"strings"

	"corekeeper/internal/config/parser"
	pkgerrors "corekeeper/pkg/errors"
)

// Decoder turns a subscription body into share links.
type Decoder struct {
	schemes []string
}

// NewDecoder creates a decoder that keeps links with one of the given
// protocol names or aliases as scheme.
func NewDecoder(schemes ...string) *Decoder {
	d := &Decoder{}
	for _, s := range schemes {
		d.schemes = append(d.schemes, strings.ToLower(s)+"://")
	}
	return d
}

// Decode accepts base64 (any alphabet, padded or not) or plain text with one
// link per line. Lines with unknown schemes are skipped.
func (d *Decoder) Decode(content []byte) ([]string, error) {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}

	if !strings.Contains(text, "://") {
		decoded, err := parser.DecodeBase64(strings.Join(strings.Fields(text), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrSubscriptionDecodeFailed, err)
		}
		text = string(decoded)
	}

	var uris []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && d.isValidURI(line) {
			uris = append(uris, line)
		}
	}
	if len(uris) == 0 {
		return nil, pkgerrors.ErrSubscriptionEmpty
	}
	return uris, nil
}

func (d *Decoder) isValidURI(uri string) bool {
	lower := strings.ToLower(uri)
	for _, prefix := range d.schemes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Metadata is what providers report in response headers.
type Metadata struct {
	UserInfo       string // upload=..; download=..; total=..; expire=..
	UpdateInterval string // hours
	Title          string
	Filename       string
}

// ExtractMetadata reads the provider headers most clients understand.
func ExtractMetadata(h http.Header) Metadata {
	m := Metadata{
		UserInfo:       h.Get("Subscription-Userinfo"),
		UpdateInterval: h.Get("Profile-Update-Interval"),
		Title:          h.Get("Profile-Title"),
	}
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, name, ok := strings.Cut(cd, "filename="); ok {
			m.Filename = strings.Trim(name, `"`)
		}
	}
	return m
}
