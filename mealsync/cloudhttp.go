// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// TokenFunc supplies a bearer token for remote calls.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPCloud is a CloudService over a REST backend:
//
//	GET    {base}/users/{uid}/{coll}/{key}
//	PATCH  {base}/users/{uid}/{coll}/{key}          (merge write)
//	GET    {base}/users/{uid}/{coll}?updated_after=&limit=&cursor=
//	POST   {base}/users/{uid}/images                (multipart file)
//
// The HTTP client's own timeout bounds hung calls; the engine applies
// no timeout of its own.
type HTTPCloud struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPCloud creates a client for the records backend.
func NewHTTPCloud(baseURL string, token TokenFunc, logger *slog.Logger) *HTTPCloud {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCloud{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// Get implements CloudService.
func (c *HTTPCloud) Get(ctx context.Context, userID string, coll Collection, key string) (*Meal, error) {
	endpoint := fmt.Sprintf("%s/users/%s/%s/%s",
		c.BaseURL, url.PathEscape(userID), url.PathEscape(string(coll)), url.PathEscape(key))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var meal Meal
	if err := json.NewDecoder(resp.Body).Decode(&meal); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &meal, nil
}

// Set implements CloudService with merge-write semantics.
func (c *HTTPCloud) Set(ctx context.Context, userID string, coll Collection, key string, meal *Meal) error {
	endpoint := fmt.Sprintf("%s/users/%s/%s/%s",
		c.BaseURL, url.PathEscape(userID), url.PathEscape(string(coll)), url.PathEscape(key))

	body, err := json.Marshal(meal)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, endpoint, bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// queryPage is the wire shape of a delta query response.
type queryPage struct {
	Records    []Meal `json:"records"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// QueryUpdatedSince implements CloudService.
func (c *HTTPCloud) QueryUpdatedSince(ctx context.Context, userID string, since time.Time, pageSize int, cursor string) ([]Meal, string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/%s?updated_after=%s&limit=%d",
		c.BaseURL, url.PathEscape(userID), url.PathEscape(string(CollectionMeals)),
		url.QueryEscape(formatTime(since)), pageSize)
	if cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(cursor)
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(resp)
	}

	var page queryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode delta page: %w", err)
	}
	return page.Records, page.NextCursor, nil
}

// UploadImage implements CloudService by posting the file as multipart
// form data and returning the URL the backend assigns.
func (c *HTTPCloud) UploadImage(ctx context.Context, userID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open image %s: %w", localPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", localPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/images", c.BaseURL, url.PathEscape(userID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return out.URL, nil
}

func (c *HTTPCloud) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
