package resync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("api rejected credentials")
)

const maxBody = 4 << 20

type ClientConfig struct {
	BaseURL string // e.g. "https://api.fallhelp.app"
	Token   string

	// Timeout bounds a single request; default 10s.
	Timeout time.Duration
	// MaxElapsed bounds all retries of one call; default 30s.
	MaxElapsed time.Duration
	// InitialRetry is the first retry delay; default 250ms.
	InitialRetry time.Duration
}

// Client reads canonical snapshots from the FallHelp REST API.  Transient
// failures (network errors, 5xx, 429) are retried with backoff; anything
// else fails at once.
type Client struct {
	base *url.URL
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "api base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("api base url %q: need http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.InitialRetry <= 0 {
		cfg.InitialRetry = 250 * time.Millisecond
	}
	return &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}, nil
}

func (c *Client) Elder(ctx context.Context, id string) (ElderSnapshot, error) {
	var out ElderSnapshot
	err := c.getJSON(ctx, "/api/elders/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) Device(ctx context.Context, id string) (DeviceSnapshot, error) {
	var out DeviceSnapshot
	err := c.getJSON(ctx, "/api/devices/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) ElderEvents(ctx context.Context, elderID string) ([]EventSnapshot, error) {
	var out []EventSnapshot
	err := c.getJSON(ctx, "/api/elders/"+url.PathEscape(elderID)+"/events", &out)
	return out, err
}

func (c *Client) UserElders(ctx context.Context, userID string) ([]ElderSnapshot, error) {
	var out []ElderSnapshot
	err := c.getJSON(ctx, "/api/users/"+url.PathEscape(userID)+"/elders", &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	target := c.base.String() + path

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialRetry
	b.MaxElapsedTime = c.cfg.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		body, err := c.get(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.log.Debug().Err(err).Str("url", target).Int("attempt", attempt).Msg("api request failed")
			return err
		}
		return backoff.Permanent(decodeBody(body, dst))
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	return errors.Wrapf(err, "GET %s", path)
}

// get performs one request.  Errors that must not be retried come back
// wrapped in backoff.Permanent.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Errorf("status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(errors.Errorf("status %d", resp.StatusCode))
	}
}

// decodeBody accepts both a bare payload and one wrapped as {"data": ...}.
func decodeBody(body []byte, dst any) error {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
			body = env.Data
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
