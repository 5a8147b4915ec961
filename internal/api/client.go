// Package api is the HTTP client side of the airp server, used by the
// CLI. It keeps the session cookie on disk so consecutive commands stay
// logged in.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airp/internal/auth"
)

// Client is an HTTP client for the airp API.
type Client struct {
	baseURL     string
	sessionPath string
	httpClient  *http.Client
	jar         *cookiejar.Jar
}

// NewClient creates an API client. sessionPath, when non-empty, names
// the file where the session cookie is persisted between commands.
func NewClient(baseURL, sessionPath string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		sessionPath: sessionPath,
		jar:         jar,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Minute, // pipeline runs and uploads can be slow
		},
	}
	if err := c.loadSession(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) siteURL() (*url.URL, error) {
	return url.Parse(c.baseURL + "/")
}

func (c *Client) loadSession() error {
	if c.sessionPath == "" {
		return nil
	}
	raw, err := os.ReadFile(c.sessionPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return nil
	}
	site, err := c.siteURL()
	if err != nil {
		return err
	}
	c.jar.SetCookies(site, []*http.Cookie{{Name: auth.CookieName, Value: token, Path: "/"}})
	return nil
}

// SaveSession persists the current session cookie, if any.
func (c *Client) SaveSession() error {
	if c.sessionPath == "" {
		return nil
	}
	site, err := c.siteURL()
	if err != nil {
		return err
	}
	for _, cookie := range c.jar.Cookies(site) {
		if cookie.Name == auth.CookieName && cookie.Value != "" {
			if err := os.MkdirAll(filepath.Dir(c.sessionPath), 0o755); err != nil {
				return err
			}
			return os.WriteFile(c.sessionPath, []byte(cookie.Value), 0o600)
		}
	}
	return nil
}

// ClearSession removes the persisted session cookie.
func (c *Client) ClearSession() error {
	if c.sessionPath == "" {
		return nil
	}
	if err := os.Remove(c.sessionPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Get performs a GET request and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, result)
}

// Post performs a POST request with JSON body and decodes the response.
func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// Patch performs a PATCH request with JSON body and decodes the response.
func (c *Client) Patch(ctx context.Context, path string, body, result any) error {
	req, err := c.jsonRequest(ctx, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// Delete performs a DELETE request and decodes the response.
func (c *Client) Delete(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, result)
}

// Upload performs a multipart POST with a single file field.
func (c *Client) Upload(ctx context.Context, path, filename string, content io.Reader, result any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return fmt.Errorf("failed to buffer upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, result)
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ErrorResponse matches the server's error response format.
type ErrorResponse struct {
	Error string `json:"error"`
}
