package df

import (
	"strings"

	"github.com/fipago/mas/acl"
)

// Profile is the client-side view of a catalog entry. Meta carries the
// arbitrary fields registrations and heartbeats merged in.
type Profile struct {
	JID          string         `json:"jid"`
	Status       string         `json:"status"`
	Capabilities []string       `json:"capabilities"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// ProfileFromMap decodes a wire profile. The well-known fields are lifted
// out; everything else lands in Meta.
func ProfileFromMap(m map[string]any) Profile {
	p := Profile{
		JID:          strings.TrimSpace(acl.NestedString(m, "jid")),
		Status:       strings.TrimSpace(acl.NestedString(m, "status")),
		Capabilities: normalizeCaps(m["capabilities"]),
	}
	for k, v := range m {
		switch k {
		case "jid", "status", "capabilities":
		default:
			if p.Meta == nil {
				p.Meta = make(map[string]any)
			}
			p.Meta[k] = v
		}
	}
	return p
}

// Map renders the profile back to its wire form.
func (p Profile) Map() map[string]any {
	m := make(map[string]any, len(p.Meta)+3)
	for k, v := range p.Meta {
		m[k] = v
	}
	m["jid"] = p.JID
	m["status"] = p.Status
	m["capabilities"] = append([]string(nil), p.Capabilities...)
	return m
}

// HasCapability reports whether the profile advertises cap, ignoring case.
func (p Profile) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if strings.EqualFold(c, cap) {
			return true
		}
	}
	return false
}

// QueryResult is a decoded QUERY-REF INFORM.
type QueryResult struct {
	Candidates []string
	Profiles   map[string]Profile
	Timestamp  string
}

// ParseQueryReply decodes the content of a DF INFORM. Candidate entries
// without a profile get no Profiles entry; callers synthesize minimal ones.
func ParseQueryReply(content map[string]any) QueryResult {
	res := QueryResult{
		Profiles:  make(map[string]Profile),
		Timestamp: acl.NestedString(content, "df_timestamp"),
	}
	if cands, ok := content["candidates"].([]any); ok {
		for _, c := range cands {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				res.Candidates = append(res.Candidates, strings.TrimSpace(s))
			}
		}
	} else if cands, ok := content["candidates"].([]string); ok {
		for _, s := range cands {
			if strings.TrimSpace(s) != "" {
				res.Candidates = append(res.Candidates, strings.TrimSpace(s))
			}
		}
	}
	if profs, ok := content["profiles"].(map[string]any); ok {
		for jid, raw := range profs {
			if m, ok := raw.(map[string]any); ok {
				res.Profiles[jid] = ProfileFromMap(m)
			}
		}
	}
	return res
}
