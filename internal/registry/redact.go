package registry

import (
	"encoding/json"

	"corekeeper/internal/storage/models"
)

// Hidden replaces sensitive values in exported metadata.
const Hidden = "HIDDEN"

// RedactGroup returns a copy of g safe to put in diagnostics: the
// subscription address is always replaced by Hidden. g is not modified.
func RedactGroup(g models.Group) models.Group {
	out := g
	out.Subscription.Address = Hidden
	out.Subscription.IncludeKeywords = append([]string(nil), g.Subscription.IncludeKeywords...)
	out.Subscription.ExcludeKeywords = append([]string(nil), g.Subscription.ExcludeKeywords...)
	if g.LastUpdated != nil {
		t := *g.LastUpdated
		out.LastUpdated = &t
	}
	if g.NextUpdate != nil {
		t := *g.NextUpdate
		out.NextUpdate = &t
	}
	return out
}

// RedactConnection returns a copy of c safe to put in diagnostics. The
// credentials, the share link, the notes and the REALITY key material are
// replaced; addressing and transport settings are kept. c is not modified.
func RedactConnection(c models.Connection) models.Connection {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	out.TransportConfig = append(json.RawMessage(nil), c.TransportConfig...)
	if c.LastConnected != nil {
		t := *c.LastConnected
		out.LastConnected = &t
	}

	if len(c.AuthConfig) > 0 {
		out.AuthConfig = json.RawMessage(`"` + Hidden + `"`)
	}
	if c.URI != "" {
		out.URI = Hidden
	}
	if c.Notes != "" {
		out.Notes = Hidden
	}
	out.TLSConfig = redactTLS(c.TLSConfig)
	return out
}

func redactTLS(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var tls models.TLSConfig
	if err := json.Unmarshal(raw, &tls); err != nil {
		return json.RawMessage(`"` + Hidden + `"`)
	}
	if len(tls.PublicKey) > 0 {
		tls.PublicKey = []string{Hidden}
	}
	if tls.ShortID != "" {
		tls.ShortID = Hidden
	}
	out, err := json.Marshal(tls)
	if err != nil {
		return json.RawMessage(`"` + Hidden + `"`)
	}
	return out
}
