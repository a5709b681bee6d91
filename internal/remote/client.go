// Package remote is the transport to the remote record store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replisync/internal/adapter"
	"replisync/internal/models"
	"replisync/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// Options configures Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// TokenSource supplies the bearer token for every request. Nil sends
	// unauthenticated requests.
	TokenSource oauth2.TokenSource
	RPS         float64
	Burst       int
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

// Client talks JSON over HTTP to the remote store.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

var _ adapter.RemoteClient = (*Client)(nil)

type changesResponse struct {
	Changes []*models.Record `json:"changes"`
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		httpClient = &cp
	}
	if opts.TokenSource != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, opts.TokenSource)
	}
	if opts.Timeout > 0 {
		httpClient.Timeout = opts.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
		logger:  logger,
	}
}

// StaticToken wraps a fixed bearer token as a token source.
func StaticToken(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func itemPath(collection, id string) string {
	return "/collections/" + url.PathEscape(collection) + "/items/" + url.PathEscape(id)
}

func (c *Client) Fetch(ctx context.Context, collection, id string) (*models.Record, error) {
	var rec models.Record
	err := c.do(ctx, "remote.fetch", http.MethodGet, itemPath(collection, id), nil, &rec)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Put(ctx context.Context, rec *models.Record) (*models.Record, error) {
	var out models.Record
	if err := c.do(ctx, "remote.put", http.MethodPut, itemPath(rec.Collection, rec.ID), rec, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return rec.Clone(), nil
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, "remote.delete", http.MethodDelete, itemPath(collection, id), nil, nil)
}

func (c *Client) Query(ctx context.Context, collection string, filter map[string]any) ([]*models.Record, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	var out []*models.Record
	path := "/collections/" + url.PathEscape(collection) + "/query"
	if err := c.do(ctx, "remote.query", http.MethodPost, path, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Changes(ctx context.Context, collection, since string) ([]*models.Record, error) {
	path := "/collections/" + url.PathEscape(collection) + "/changes"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var out changesResponse
	if err := c.do(ctx, "remote.changes", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// Ping checks that the remote store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "remote.ping", http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Transient(op, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return syncerr.Permanent(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return syncerr.Permanent(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var cause error
		if text := strings.TrimSpace(string(msg)); text != "" {
			cause = errors.New(text)
		}
		return syncerr.FromStatus(op, resp.StatusCode, cause)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return syncerr.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
