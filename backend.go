package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"poimap/pkg/logger"
)

// Client for the remote POI backend. All POI endpoints require a bearer
// token; login and registration do not. Error classes:
//
//   - *BackendError: the server answered with a non-OK status. Carries the
//     decoded payload (message and/or per-field errors).
//   - ErrUnauthorized: shorthand for a 401 (expired or invalid token).
//   - anything else: transport-level failure; the UI shows a generic
//     "network error" message and the user retries manually.

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// BackendError is a non-OK response decoded from the backend.
type BackendError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("backend: status %d", e.Status)
}

// Profile is the authenticated user's identity as reported by the backend.
// Never mutated client-side.
type Profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Poi is one point of interest from the backend collection. Coordinates
// arrive as decimal strings; Coord accepts both encodings.
type Poi struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Latitude    Coord  `json:"latitude"`
	Longitude   Coord  `json:"longitude"`
}

// PoiDraft is the write shape for create and update calls. Coordinates must
// already be rounded to coordPrecision digits.
type PoiDraft struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// LoginResult is the token grant returned by login (and registration, when
// the backend auto-authenticates the new account).
type LoginResult struct {
	Access  string   `json:"access"`
	Refresh string   `json:"refresh"`
	User    *Profile `json:"user"`
}

// BackendClient talks to the remote POI REST API.
type BackendClient struct {
	baseURL string
	client  *http.Client
}

// NewBackendClient builds a client for the given base URL ("/api" included).
func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Login exchanges credentials for a token pair.
func (c *BackendClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	var out LoginResult
	if err := c.do(ctx, http.MethodPost, "/users/login/", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterRequest is the registration payload. Password2 is the
// confirmation; equality is validated by the caller before any network call.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
}

// Register creates a new account. Server-side field errors come back as a
// *BackendError with Fields populated.
func (c *BackendClient) Register(ctx context.Context, req RegisterRequest) (*LoginResult, error) {
	var out LoginResult
	if err := c.do(ctx, http.MethodPost, "/users/register/", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile fetches the profile bound to the token. Used to verify a
// persisted token at startup.
func (c *BackendClient) Profile(ctx context.Context, token string) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/users/user/", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPois fetches the full POI collection for the session.
func (c *BackendClient) ListPois(ctx context.Context, token string) ([]Poi, error) {
	var out []Poi
	if err := c.do(ctx, http.MethodGet, "/pois/", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePoi posts a new POI.
func (c *BackendClient) CreatePoi(ctx context.Context, token string, draft PoiDraft) (*Poi, error) {
	var out Poi
	if err := c.do(ctx, http.MethodPost, "/pois/", token, draft, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePoi replaces an existing POI.
func (c *BackendClient) UpdatePoi(ctx context.Context, token string, id int64, draft PoiDraft) (*Poi, error) {
	var out Poi
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/pois/%d/", id), token, draft, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePoi removes a POI. The backend answers 204; some deployments answer
// 200 with a message body. Both count as success.
func (c *BackendClient) DeletePoi(ctx context.Context, token string, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/pois/%d/", id), token, nil, nil)
}

// do issues one request and decodes the response into out (when non-nil).
// 2xx counts as success; everything else becomes a *BackendError (or
// ErrUnauthorized for 401).
func (c *BackendClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("poi backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	logger.Debug("backend %s %s -> %d", method, path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return decodeBackendError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding backend response: %w", err)
	}
	return nil
}

// decodeBackendError maps an error payload into *BackendError. The backend
// uses two shapes: {"error": "..."} for general failures and
// {"field": ["msg", ...]} for validation failures.
func decodeBackendError(resp *http.Response) error {
	be := &BackendError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(raw) == 0 {
		return be
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		be.Message = strings.TrimSpace(string(raw))
		return be
	}
	for key, val := range payload {
		msg := flattenErrorValue(val)
		if msg == "" {
			continue
		}
		switch key {
		case "error", "detail", "msg", "message":
			be.Message = msg
		default:
			if be.Fields == nil {
				be.Fields = make(map[string]string)
			}
			be.Fields[key] = msg
		}
	}
	if be.Message == "" && len(be.Fields) > 0 {
		be.Message = "validation failed"
	}
	return be
}

// flattenErrorValue turns a string or a list of strings into one message.
func flattenErrorValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
