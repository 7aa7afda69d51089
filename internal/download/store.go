package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPStore writes Binary content to the storage service over HTTP. Content
// is keyed by Binary id; the storage service handles durability and serving.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: fetchTimeout},
	}
}

func (s *HTTPStore) WriteBinary(ctx context.Context, binaryID, contentType string, content io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"binary/"+binaryID, content)
	if err != nil {
		return fmt.Errorf("build storage request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("write binary %s: %w", binaryID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("write binary %s: received status %d", binaryID, resp.StatusCode)
	}
	return nil
}
