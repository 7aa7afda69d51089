package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the HTTP implementation of Repository, talking to the resource
// repository collaborator's FHIR endpoint. All calls go through the system
// identity: this subsystem acts as the platform, not as any tenant user.
type Client struct {
	base  string // always ends with "/"
	token string
	http  *http.Client
}

func NewClient(baseURL, token string) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateResource(ctx context.Context, res Resource) (Resource, error) {
	return c.roundTrip(ctx, http.MethodPost, c.base+res.Type(), res)
}

func (c *Client) ReadResource(ctx context.Context, resourceType, id string) (Resource, error) {
	return c.roundTrip(ctx, http.MethodGet, c.base+resourceType+"/"+url.PathEscape(id), nil)
}

func (c *Client) ReadVersion(ctx context.Context, resourceType, id, versionID string) (Resource, error) {
	u := c.base + resourceType + "/" + url.PathEscape(id) + "/_history/" + url.PathEscape(versionID)
	return c.roundTrip(ctx, http.MethodGet, u, nil)
}

func (c *Client) UpdateResource(ctx context.Context, res Resource) (Resource, error) {
	u := c.base + res.Type() + "/" + url.PathEscape(res.ID())
	return c.roundTrip(ctx, http.MethodPut, u, res)
}

func (c *Client) DeleteResource(ctx context.Context, resourceType, id string) error {
	_, err := c.roundTrip(ctx, http.MethodDelete, c.base+resourceType+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	params := url.Values{}
	for _, f := range req.Filters {
		switch f.Operator {
		case OpBefore:
			params.Add(f.Code, "lt"+f.Value)
		case OpAfter:
			params.Add(f.Code, "gt"+f.Value)
		default:
			params.Add(f.Code, f.Value)
		}
	}
	if req.Count > 0 {
		params.Set("_count", strconv.Itoa(req.Count))
	}
	if req.Cursor != "" {
		params.Set("_cursor", req.Cursor)
	}
	if req.SortByLastUpdated {
		params.Set("_sort", "_lastUpdated")
	}
	if req.MaxResourceVersion != nil {
		params.Set("_maxVersion", strconv.Itoa(*req.MaxResourceVersion))
	}

	bundle, err := c.roundTrip(ctx, http.MethodGet, c.base+req.ResourceType+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{}
	for _, entry := range asMaps(bundle["entry"]) {
		if res, ok := entry["resource"].(map[string]any); ok {
			result.Entries = append(result.Entries, Resource(res))
		}
	}
	for _, link := range asMaps(bundle["link"]) {
		if rel, _ := link["relation"].(string); rel != "next" {
			continue
		}
		next, _ := link["url"].(string)
		if u, err := url.Parse(next); err == nil {
			result.NextCursor = u.Query().Get("_cursor")
		}
	}
	return result, nil
}

func (c *Client) Reindex(ctx context.Context, resources []Resource) error {
	refs := make([]string, 0, len(resources))
	for _, res := range resources {
		refs = append(refs, res.Reference())
	}
	_, err := c.roundTrip(ctx, http.MethodPost, c.base+"$reindex", Resource{
		"resourceType": "Parameters",
		"parameter": []any{
			map[string]any{"name": "references", "valueString": strings.Join(refs, ",")},
		},
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, u string, body Resource) (Resource, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, u, ErrNotFound)
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s %s: %w", method, u, ErrGone)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, msg)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return ParseResource(raw)
}
