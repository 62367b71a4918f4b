package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteStore talks to a remote state API that implements server-side
// optimistic locking with ETags: GET returns the current revision in the ETag
// header, and mutating requests carry If-Match / If-None-Match preconditions
// which the server answers with 412 on a lost race.
type RemoteStore struct {
	base   *url.URL
	token  string
	client *http.Client
}

// RemoteStoreConfig configures the remote API backend.
type RemoteStoreConfig struct {
	// BaseURL is the API root, e.g. "https://state.example.com".
	BaseURL string

	// Token is an optional bearer token.
	Token string

	// Timeout bounds each request.
	Timeout time.Duration
}

// NewRemoteStore creates a remote API backed store.
func NewRemoteStore(cfg RemoteStoreConfig) (*RemoteStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote state base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote state URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteStore{
		base:   base,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *RemoteStore) recordURL(key string) string {
	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/state/" + key
	return u.String()
}

func (s *RemoteStore) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

// Get retrieves a record; the response ETag is the CAS token.
func (s *RemoteStore) Get(ctx context.Context, key string) (*Record, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.recordURL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote state get %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(key, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote state get %s: %w", key, err)
	}
	return &Record{
		Key:       key,
		Data:      data,
		Version:   strings.Trim(resp.Header.Get("ETag"), `"`),
		UpdatedAt: parseLastModified(resp.Header.Get("Last-Modified")),
	}, nil
}

// Put writes a record with an If-Match / If-None-Match precondition.
func (s *RemoteStore) Put(ctx context.Context, key string, data json.RawMessage, expected string) (*Record, error) {
	req, err := s.newRequest(ctx, http.MethodPut, s.recordURL(key), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	applyPrecondition(req, expected)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote state put %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(key, resp); err != nil {
		return nil, err
	}
	return &Record{
		Key:       key,
		Data:      data,
		Version:   strings.Trim(resp.Header.Get("ETag"), `"`),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// List queries records under a prefix.
func (s *RemoteStore) List(ctx context.Context, prefix string) ([]Record, error) {
	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/state"
	q := u.Query()
	q.Set("prefix", prefix)
	u.RawQuery = q.Encode()

	req, err := s.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote state list %s: %w", prefix, err)
	}
	defer resp.Body.Close()

	if err := s.checkStatus(prefix, resp); err != nil {
		return nil, err
	}
	var out []Record
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote state list %s: %w", prefix, err)
	}
	return out, nil
}

// Delete removes a record with an If-Match precondition.
func (s *RemoteStore) Delete(ctx context.Context, key string, expected string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, s.recordURL(key), nil)
	if err != nil {
		return err
	}
	applyPrecondition(req, expected)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote state delete %s: %w", key, err)
	}
	defer resp.Body.Close()
	return s.checkStatus(key, resp)
}

// Close releases idle connections.
func (s *RemoteStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *RemoteStore) checkStatus(key string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Key: key}
	case resp.StatusCode == http.StatusPreconditionFailed ||
		resp.StatusCode == http.StatusConflict:
		return &ConflictError{Key: key}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote state API returned %d for %s: %s",
			resp.StatusCode, key, strings.TrimSpace(string(body)))
	}
}

func applyPrecondition(req *http.Request, expected string) {
	switch expected {
	case VersionAny:
	case VersionAbsent:
		req.Header.Set("If-None-Match", "*")
	default:
		req.Header.Set("If-Match", `"`+expected+`"`)
	}
}

func parseLastModified(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}
