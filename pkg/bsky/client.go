// Package bsky publishes posts to Bluesky through the AT Protocol XRPC API.
//
// Only the three calls needed to post an image are implemented:
// com.atproto.server.createSession, com.atproto.repo.uploadBlob and
// com.atproto.repo.createRecord.
package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/unklstewy/aboveme/pkg/post"
)

const (
	// DefaultHost is the default PDS
	DefaultHost = "https://bsky.social"

	// DefaultTimeout for API requests
	DefaultTimeout = 30 * time.Second
)

// ErrAuth is returned when the handle/app password pair is rejected.
var ErrAuth = errors.New("bluesky authentication failed")

// Client represents a Bluesky client for one account.
type Client struct {
	host        string
	handle      string
	password    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	session *session
}

// Config contains configuration for the Bluesky client.
type Config struct {
	Host     string
	Handle   string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

type session struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Did        string `json:"did"`
	Handle     string `json:"handle"`
}

// NewClient creates a new Bluesky client. No request is made until the
// first Publish.
func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		host:     strings.TrimRight(cfg.Host, "/"),
		handle:   cfg.Handle,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		// a post with an image is at most five calls including a re-login
		rateLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// xrpcError is an error body returned by the PDS.
type xrpcError struct {
	Status  int
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *xrpcError) Error() string {
	return fmt.Sprintf("xrpc %d %s: %s", e.Status, e.Name, e.Message)
}

// Publish posts p, uploading its image first when present. An expired
// session is renewed once.
func (c *Client) Publish(ctx context.Context, p post.Post) error {
	uri, err := c.publish(ctx, p)
	var xe *xrpcError
	if errors.As(err, &xe) && xe.Status == http.StatusUnauthorized {
		c.logger.Info("bluesky session expired, logging in again")
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		uri, err = c.publish(ctx, p)
	}
	if err != nil {
		return err
	}
	c.logger.Info("published post", "uri", uri)
	return nil
}

func (c *Client) publish(ctx context.Context, p post.Post) (string, error) {
	s, err := c.login(ctx)
	if err != nil {
		return "", err
	}

	record := map[string]interface{}{
		"$type":     "app.bsky.feed.post",
		"text":      p.Text,
		"createdAt": c.now().UTC().Format(time.RFC3339),
	}
	if facets := Facets(p.Facets); len(facets) > 0 {
		record["facets"] = facets
	}

	if p.Image != nil && len(p.Image.Data) > 0 {
		blob, err := c.uploadBlob(ctx, s, p.Image)
		if err != nil {
			return "", err
		}
		img := map[string]interface{}{
			"alt":   p.Image.Alt,
			"image": blob,
		}
		if p.Image.Width > 0 && p.Image.Height > 0 {
			// without it clients assume 1:1
			img["aspectRatio"] = map[string]int{"width": p.Image.Width, "height": p.Image.Height}
		}
		record["embed"] = map[string]interface{}{
			"$type":  "app.bsky.embed.images",
			"images": []interface{}{img},
		}
	}

	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	body := map[string]interface{}{
		"repo":       s.Did,
		"collection": "app.bsky.feed.post",
		"record":     record,
	}
	if err := c.call(ctx, "com.atproto.repo.createRecord", s.AccessJwt, "application/json", jsonBody(body), &out); err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	return out.URI, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	var s session
	body := map[string]string{"identifier": c.handle, "password": c.password}
	if err := c.call(ctx, "com.atproto.server.createSession", "", "application/json", jsonBody(body), &s); err != nil {
		var xe *xrpcError
		if errors.As(err, &xe) && (xe.Status == http.StatusUnauthorized || xe.Status == http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.session = &s
	return c.session, nil
}

func (c *Client) uploadBlob(ctx context.Context, s *session, img *post.Image) (json.RawMessage, error) {
	mime := img.MimeType
	if mime == "" {
		mime = "image/png"
	}
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := c.call(ctx, "com.atproto.repo.uploadBlob", s.AccessJwt, mime, img.Data, &out); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	return out.Blob, nil
}

// call POSTs body to an XRPC procedure and decodes the JSON answer into out.
func (c *Client) call(ctx context.Context, nsid, token, contentType string, body []byte, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/xrpc/"+nsid, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		xe := &xrpcError{Status: resp.StatusCode}
		if json.Unmarshal(data, xe) != nil || xe.Name == "" {
			xe.Name = http.StatusText(resp.StatusCode)
			xe.Message = string(data)
		}
		return xe
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// Facets converts hashtag facets to the app.bsky.richtext.facet wire form.
func Facets(in []post.Facet) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(in))
	for _, f := range in {
		out = append(out, map[string]interface{}{
			"index": map[string]int{
				"byteStart": f.ByteStart,
				"byteEnd":   f.ByteEnd,
			},
			"features": []map[string]string{{
				"$type": "app.bsky.richtext.facet#tag",
				"tag":   f.Tag,
			}},
		})
	}
	return out
}

func jsonBody(v interface{}) []byte {
	// maps of strings and ints always marshal
	data, _ := json.Marshal(v)
	return data
}
