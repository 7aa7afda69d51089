package fhir

import (
	"encoding/json"
	"time"
)

// Resource is a dynamically typed FHIR-style resource. The subsystem never
// interprets full resource semantics; it only needs a handful of well-known
// fields (resourceType, id, meta) plus generic traversal for search-parameter
// evaluation and attachment discovery.
type Resource map[string]any

func (r Resource) Type() string      { return r.str("resourceType") }
func (r Resource) ID() string        { return r.str("id") }
func (r Resource) Reference() string { return r.Type() + "/" + r.ID() }

func (r Resource) VersionID() string { return r.meta().str("versionId") }
func (r Resource) Project() string   { return r.meta().str("project") }

func (r Resource) LastUpdated() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.meta().str("lastUpdated"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Version returns meta.version, the internal schema version stamped on the
// resource when its derived search state was last computed. Zero when unset.
func (r Resource) Version() int {
	if v, ok := r.meta()["version"].(float64); ok {
		return int(v)
	}
	return 0
}

func (r Resource) meta() Resource {
	if m, ok := r["meta"].(map[string]any); ok {
		return Resource(m)
	}
	return nil
}

// SetMeta writes a meta field, creating the meta object if needed.
func (r Resource) SetMeta(key string, value any) {
	m, ok := r["meta"].(map[string]any)
	if !ok {
		m = map[string]any{}
		r["meta"] = m
	}
	m[key] = value
}

func (r Resource) str(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r[key].(string)
	return s
}

// Clone returns a deep copy via JSON round-trip. Resources are small and
// cloning is rare (only before mutating a read result).
func (r Resource) Clone() Resource {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Resource
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Stringify returns the canonical serialized form used for webhook bodies
// and signature computation. Both must use the same bytes.
func (r Resource) Stringify() ([]byte, error) {
	return json.Marshal(r)
}

// ParseResource decodes a serialized resource.
func ParseResource(raw []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// ExtensionString returns the valueString of the extension with the given
// URL, or "" when absent.
func (r Resource) ExtensionString(url string) string {
	ext := r.extension(url)
	if ext == nil {
		return ""
	}
	s, _ := ext["valueString"].(string)
	return s
}

// ExtensionInt returns the valueInteger of the extension with the given URL
// and whether it was present.
func (r Resource) ExtensionInt(url string) (int, bool) {
	ext := r.extension(url)
	if ext == nil {
		return 0, false
	}
	f, ok := ext["valueInteger"].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (r Resource) extension(url string) map[string]any {
	exts, ok := r["extension"].([]any)
	if !ok {
		return nil
	}
	for _, e := range exts {
		ext, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if u, _ := ext["url"].(string); u == url {
			return ext
		}
	}
	return nil
}
