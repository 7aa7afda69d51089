package fhir

import (
	"fmt"
	"net/url"
	"strings"
)

// Criteria is a parsed subscription criteria string such as
// "Patient?name=Smith&gender=female". The resource type is mandatory;
// the query part is optional.
type Criteria struct {
	ResourceType string
	Filters      []Filter
}

func ParseCriteria(criteria string) (Criteria, error) {
	resourceType, query, _ := strings.Cut(criteria, "?")
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return Criteria{}, fmt.Errorf("criteria missing resource type: %q", criteria)
	}

	c := Criteria{ResourceType: resourceType}
	if query == "" {
		return c, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Criteria{}, fmt.Errorf("parse criteria %q: %w", criteria, err)
	}
	for code, vals := range values {
		for _, v := range vals {
			c.Filters = append(c.Filters, Filter{Code: code, Operator: OpEquals, Value: v})
		}
	}
	return c, nil
}

// Matches evaluates the criteria against a resource: resource type equality
// first, then every filter predicate. Filters compare against the values
// produced by the resource type's declared search-parameter expressions.
func (c Criteria) Matches(res Resource) bool {
	if res.Type() != c.ResourceType {
		return false
	}
	for _, f := range c.Filters {
		if !matchesFilter(res, f) {
			return false
		}
	}
	return true
}

func matchesFilter(res Resource, f Filter) bool {
	param, ok := lookupSearchParam(res.Type(), f.Code)
	if !ok {
		return false
	}
	values := param.extract(res)
	for _, v := range values {
		if param.kind == paramString {
			// FHIR string search: case-insensitive starts-with.
			if strings.HasPrefix(strings.ToLower(v), strings.ToLower(f.Value)) {
				return true
			}
		} else if matchToken(v, f.Value) {
			return true
		}
	}
	return false
}

// matchToken compares token values, honoring the optional system|code form.
func matchToken(value, query string) bool {
	if system, code, ok := strings.Cut(query, "|"); ok {
		vsys, vcode, _ := strings.Cut(value, "|")
		if system != "" && vsys != system {
			return false
		}
		return vcode == code
	}
	_, vcode, found := strings.Cut(value, "|")
	if !found {
		vcode = value
	}
	return vcode == query
}

type paramKind int

const (
	paramString paramKind = iota
	paramToken
)

type searchParam struct {
	kind    paramKind
	extract func(Resource) []string
}

// searchParams declares the search-parameter expressions this subsystem can
// evaluate, keyed by parameter code. Shared codes ("name", "identifier",
// "status", ...) apply to every resource type that carries the element;
// extraction simply yields nothing when the element is absent.
var searchParams = map[string]searchParam{
	"_id": {paramToken, func(r Resource) []string { return []string{r.ID()} }},
	"name": {paramString, func(r Resource) []string {
		var out []string
		for _, n := range asMaps(r["name"]) {
			out = append(out, stringsAt(n, "family")...)
			out = append(out, stringsAt(n, "text")...)
			for _, g := range asStrings(n["given"]) {
				out = append(out, g)
			}
		}
		return out
	}},
	"family": {paramString, func(r Resource) []string {
		var out []string
		for _, n := range asMaps(r["name"]) {
			out = append(out, stringsAt(n, "family")...)
		}
		return out
	}},
	"given": {paramString, func(r Resource) []string {
		var out []string
		for _, n := range asMaps(r["name"]) {
			out = append(out, asStrings(n["given"])...)
		}
		return out
	}},
	"identifier": {paramToken, func(r Resource) []string {
		var out []string
		for _, ident := range asMaps(r["identifier"]) {
			system, _ := ident["system"].(string)
			value, _ := ident["value"].(string)
			out = append(out, system+"|"+value)
		}
		return out
	}},
	"status": {paramToken, func(r Resource) []string { return stringsAt(r, "status") }},
	"gender": {paramToken, func(r Resource) []string { return stringsAt(r, "gender") }},
	"code": {paramToken, func(r Resource) []string {
		var out []string
		if cc, ok := r["code"].(map[string]any); ok {
			for _, coding := range asMaps(cc["coding"]) {
				system, _ := coding["system"].(string)
				code, _ := coding["code"].(string)
				out = append(out, system+"|"+code)
			}
		}
		return out
	}},
	"subject": {paramToken, func(r Resource) []string {
		if ref, ok := r["subject"].(map[string]any); ok {
			if s, ok := ref["reference"].(string); ok {
				return []string{s}
			}
		}
		return nil
	}},
	"patient": {paramToken, func(r Resource) []string {
		for _, key := range []string{"patient", "subject"} {
			if ref, ok := r[key].(map[string]any); ok {
				if s, ok := ref["reference"].(string); ok {
					return []string{s}
				}
			}
		}
		return nil
	}},
}

func lookupSearchParam(resourceType, code string) (searchParam, bool) {
	_ = resourceType // all declared codes are shared across types today
	p, ok := searchParams[code]
	return p, ok
}

func asMaps(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringsAt(m map[string]any, key string) []string {
	if s, ok := m[key].(string); ok && s != "" {
		return []string{s}
	}
	return nil
}
