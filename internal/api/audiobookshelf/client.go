package audiobookshelf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/util"
)

const (
	apiPath = "/api"

	// DefaultTimeout applies when Config.Timeout is zero
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrUnauthorized is returned when the server rejects the token and a
	// refresh did not help
	ErrUnauthorized = errors.New("unauthorized")
	// ErrResourceNotFound is returned for a 404 response
	ErrResourceNotFound = errors.New("resource not found")
)

// HTTPError is a non-2xx response
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Config configures a Client
type Config struct {
	BaseURL      string
	PathPrefix   string
	Token        string
	RefreshToken string
	Timeout      time.Duration
	PageSize     int
}

// Client talks to the Audiobookshelf REST API
type Client struct {
	baseURL    string
	pathPrefix string
	pageSize   int
	client     *http.Client
	logger     *logger.Logger

	mu           sync.RWMutex
	token        string
	refreshToken string
	refreshMu    sync.Mutex
}

// NewClient creates a new Audiobookshelf client
func NewClient(cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Get()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pathPrefix:   normalizePrefix(cfg.PathPrefix),
		pageSize:     cfg.PageSize,
		client:       &http.Client{Timeout: timeout},
		logger:       log.Component("audiobookshelf_client"),
		token:        cfg.Token,
		refreshToken: cfg.RefreshToken,
	}
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// AccessToken returns the current access token, which changes after a refresh
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the server URL including the path prefix
func (c *Client) BaseURL() string {
	return c.baseURL + c.pathPrefix
}

// CoverURL is the address of a library item's cover image
func (c *Client) CoverURL(itemID string) string {
	return c.BaseURL() + apiPath + "/items/" + url.PathEscape(itemID) + "/cover"
}

// AuthorImageURL is the address of an author's image
func (c *Client) AuthorImageURL(authorID string) string {
	return c.BaseURL() + apiPath + "/authors/" + url.PathEscape(authorID) + "/image"
}

// GetAuthors fetches every author of a library
func (c *Client) GetAuthors(ctx context.Context, libraryID string) ([]models.LibraryAuthor, error) {
	if libraryID == "" {
		return nil, fmt.Errorf("library ID is required")
	}
	endpoint := fmt.Sprintf("/libraries/%s/authors", url.PathEscape(libraryID))

	var result models.LibraryAuthorsResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch authors: %w", err)
	}

	c.logger.Debug("Fetched authors", map[string]interface{}{
		"library_id": libraryID,
		"count":      len(result.Authors),
	})
	return result.Authors, nil
}

// GetSeries fetches every series of a library, following pagination
func (c *Client) GetSeries(ctx context.Context, libraryID string) ([]models.LibrarySeries, error) {
	if libraryID == "" {
		return nil, fmt.Errorf("library ID is required")
	}
	endpoint := fmt.Sprintf("/libraries/%s/series", url.PathEscape(libraryID))

	series, err := paginate(ctx, c, endpoint, nil, func(r models.LibrarySeriesResponse) ([]models.LibrarySeries, int) {
		return r.Results, r.Total
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch series: %w", err)
	}
	return series, nil
}

// GetLibraryItems fetches every item of a library with the user's progress
// embedded, following pagination
func (c *Client) GetLibraryItems(ctx context.Context, libraryID string) ([]models.LibraryItem, error) {
	if libraryID == "" {
		return nil, fmt.Errorf("library ID is required")
	}
	endpoint := fmt.Sprintf("/libraries/%s/items", url.PathEscape(libraryID))
	extra := url.Values{
		"minified":       {"1"},
		"collapseseries": {"0"},
		"include":        {"progress"},
	}

	items, err := paginate(ctx, c, endpoint, extra, func(r models.LibraryItemsResponse) ([]models.LibraryItem, int) {
		return r.Results, r.Total
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library items: %w", err)
	}
	return items, nil
}

// paginate walks a paged list endpoint. With a page size of zero the server
// is asked for everything at once.
func paginate[R any, T any](ctx context.Context, c *Client, endpoint string, extra url.Values, unwrap func(R) ([]T, int)) ([]T, error) {
	var all []T
	for page := 0; ; page++ {
		q := url.Values{}
		for k, v := range extra {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("page", strconv.Itoa(page))

		var resp R
		if err := c.doJSON(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		results, total := unwrap(resp)
		all = append(all, results...)

		c.logger.Debug("Fetched page", map[string]interface{}{
			"endpoint": endpoint,
			"page":     page,
			"count":    len(results),
			"total":    total,
		})

		if c.pageSize <= 0 || len(results) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

// GetUserProgress fetches the current user with all media progress
func (c *Client) GetUserProgress(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.doJSON(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user progress: %w", err)
	}
	return &user, nil
}

// GetMediaProgress fetches the progress of one item. An item the user never
// started returns nil and no error.
func (c *Client) GetMediaProgress(ctx context.Context, libraryItemID string) (*models.MediaProgress, error) {
	endpoint := "/me/progress/" + url.PathEscape(libraryItemID)

	var progress models.MediaProgress
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &progress)
	if errors.Is(err, ErrResourceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch progress for %s: %w", libraryItemID, err)
	}
	return &progress, nil
}

// UpdateProgress writes the progress of one item
func (c *Client) UpdateProgress(ctx context.Context, libraryItemID string, update models.ProgressUpdate) error {
	endpoint := "/me/progress/" + url.PathEscape(libraryItemID)
	if err := c.doJSON(ctx, http.MethodPatch, endpoint, update, nil); err != nil {
		return fmt.Errorf("failed to update progress for %s: %w", libraryItemID, err)
	}
	return nil
}

// FetchImage downloads an image from an absolute URL on the server
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	resp, body, err := c.send(ctx, http.MethodGet, imageURL, nil, "image/*")
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	_, body, err := c.send(ctx, method, c.BaseURL()+apiPath+endpoint, payload, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("Failed to decode response", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err,
		})
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs one request, refreshing the token and retrying once on 401
func (c *Client) send(ctx context.Context, method, target string, payload []byte, accept string) (*http.Response, []byte, error) {
	log := c.logger.With().Str("method", method).Str("url", target).Logger()

	sent := c.AccessToken()
	resp, body, err := c.attempt(ctx, method, target, payload, accept, sent)
	if err != nil {
		log.Error().Err(err).Msg("Request failed")
		return nil, nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.hasRefreshToken() {
		log.Debug().Msg("Access token rejected, refreshing")
		if err := c.refresh(ctx, sent); err != nil {
			log.Error().Err(err).Msg("Token refresh failed")
			return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if resp, body, err = c.attempt(ctx, method, target, payload, accept, c.AccessToken()); err != nil {
			log.Error().Err(err).Msg("Request failed after token refresh")
			return nil, nil, err
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, ErrResourceNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		log.Error().
			Int("status", resp.StatusCode).
			Str("response", string(body)).
			Msg("Unexpected status code")
		return nil, nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: util.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return resp, body, nil
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte, accept, token string) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func (c *Client) hasRefreshToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshToken != ""
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers that saw the same stale token share one refresh.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.AccessToken() != stale {
		return nil
	}

	c.mu.RLock()
	refreshToken := c.refreshToken
	c.mu.RUnlock()

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+apiPath+"/token/refresh", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-refresh-token", refreshToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result models.TokenRefreshResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	access, next := result.Tokens()
	if access == "" {
		return fmt.Errorf("token refresh returned no access token")
	}

	c.mu.Lock()
	c.token = access
	if next != "" {
		c.refreshToken = next
	}
	c.mu.Unlock()

	c.logger.Info("Refreshed access token")
	return nil
}
