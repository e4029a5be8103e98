// Package catalog talks to the photo service: it lists a frame's photos,
// downloads their bytes from signed URLs and reports sync status.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/froggieframe/pi-frame/internal/config"
	"github.com/froggieframe/pi-frame/internal/logging"
	"github.com/froggieframe/pi-frame/internal/metrics"
	"github.com/froggieframe/pi-frame/internal/retry"
)

const userAgent = "froggie-frame/1"

// PhotoRef is the service's view of one photo. DownloadURL is short-lived.
type PhotoRef struct {
	ID          string   `json:"id"`
	DownloadURL string   `json:"download_url"`
	Filename    string   `json:"filename"`
	StoragePath string   `json:"storage_path,omitempty"`
	Mood        string   `json:"mood,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type listResponse struct {
	Photos []PhotoRef `json:"photos"`
	Count  int        `json:"count"`
}

type syncStatusRequest struct {
	StreamID    string  `json:"stream_id,omitempty"`
	FrameID     string  `json:"frame_id,omitempty"`
	SyncedCount int     `json:"synced_count"`
	TotalCount  int     `json:"total_count"`
	CacheSizeMB float64 `json:"cache_size_mb"`
}

// Download is an open photo download. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64 // -1 if unknown
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	DeviceToken string
	StreamID    string
	FrameID     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// ConfigFrom builds a client configuration from the device configuration.
// Only the active credential is carried over.
func ConfigFrom(c *config.Config) Config {
	cfg := Config{
		BaseURL:     c.APIURL,
		StreamID:    c.StreamID,
		FrameID:     c.FrameID,
		Timeout:     c.Timeout(),
		RetryConfig: retry.DefaultConfig(),
	}
	cfg.RetryConfig.MaxAttempts = c.RequestAttempts
	switch scheme, value := c.Credential(); scheme {
	case config.SchemeDeviceToken:
		cfg.DeviceToken = value
	default:
		cfg.APIKey = value
	}
	return cfg
}

// Client is the remote catalog client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	apiKey      string
	deviceToken string
	streamID    string
	frameID     string
	now         func() time.Time

	mu     sync.RWMutex
	online bool
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			}),
		},
		retryConfig: cfg.RetryConfig,
		apiKey:      cfg.APIKey,
		deviceToken: cfg.DeviceToken,
		streamID:    cfg.StreamID,
		frameID:     cfg.FrameID,
		now:         time.Now,
		online:      true,
	}
}

// applyAuth attaches the active credential to a request for the service.
// Signed download URLs carry their own authorization and never get one.
func (c *Client) applyAuth(req *http.Request) {
	if c.deviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.deviceToken)
		return
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// checkToken rejects a device token that is a JWT past its expiry. Opaque
// tokens are left to the service.
func (c *Client) checkToken() error {
	if c.deviceToken == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.deviceToken, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if c.now().After(exp.Time) {
		return &AuthError{Reason: fmt.Sprintf("device token expired at %s", exp.Time.UTC().Format(time.RFC3339))}
	}
	return nil
}

// IsOnline returns true if the last request reached the service.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("photo service reachable again")
		} else {
			logging.Warn("photo service unreachable")
		}
	}
	c.online = online
	metrics.SetServiceOnline(online)
}

// sourceQuery scopes a request to the frame, or the stream for legacy configs.
func (c *Client) sourceQuery() url.Values {
	q := url.Values{}
	if c.frameID != "" {
		q.Set("frame_id", c.frameID)
	} else if c.streamID != "" {
		q.Set("stream_id", c.streamID)
	}
	return q
}

// do sends a request with retries. build is called for every attempt. The
// caller owns the returned body.
func (c *Client) do(ctx context.Context, op string, authed bool, build func() (*http.Request, error)) (*http.Response, error) {
	if authed {
		if err := c.checkToken(); err != nil {
			return nil, err
		}
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("User-Agent", userAgent)
		if authed {
			c.applyAuth(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(&NetworkError{Op: op, Err: err})
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			reason := readReason(resp.Body)
			resp.Body.Close()
			c.setOnline(true)
			return nil, &AuthError{Status: resp.StatusCode, Reason: reason}
		case resp.StatusCode >= 500:
			resp.Body.Close()
			c.setOnline(false)
			return nil, retry.Retryable(&NetworkError{Op: op, Err: fmt.Errorf("server error: %d", resp.StatusCode)})
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			reason := readReason(resp.Body)
			resp.Body.Close()
			c.setOnline(true)
			if reason != "" {
				return nil, fmt.Errorf("%s: server returned %d: %s", op, resp.StatusCode, reason)
			}
			return nil, fmt.Errorf("%s: server returned %d", op, resp.StatusCode)
		}

		c.setOnline(true)
		return resp, nil
	})
}

// ListPhotos returns the photos currently assigned to the frame or stream.
func (c *Client) ListPhotos(ctx context.Context) ([]PhotoRef, error) {
	endpoint := c.baseURL + "/api/device/photos"
	if q := c.sourceQuery(); len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	resp, err := c.do(ctx, "list photos", true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &NetworkError{Op: "list photos", Err: fmt.Errorf("decode response: %w", err)}
	}

	photos := list.Photos[:0]
	for _, p := range list.Photos {
		if p.ID == "" || p.DownloadURL == "" {
			logging.Warn("ignoring photo without id or download url", logging.String("id", p.ID))
			continue
		}
		photos = append(photos, p)
	}
	return photos, nil
}

// Fetch opens a download of a signed photo URL.
func (c *Client) Fetch(ctx context.Context, downloadURL string) (*Download, error) {
	resp, err := c.do(ctx, "fetch photo", false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	})
	if err != nil {
		return nil, err
	}
	return &Download{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// ReportSyncStatus tells the service how much of the frame's content is
// cached.
func (c *Client) ReportSyncStatus(ctx context.Context, synced, total int, cacheBytes int64) error {
	body, err := json.Marshal(syncStatusRequest{
		StreamID:    c.streamID,
		FrameID:     c.frameID,
		SyncedCount: synced,
		TotalCount:  total,
		CacheSizeMB: float64(cacheBytes) / (1024 * 1024),
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, "report sync status", true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/device/sync", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// readReason extracts an error message from a JSON or plain-text body.
func readReason(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
