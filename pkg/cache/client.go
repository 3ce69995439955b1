// Package cache is the HTTP client to the binary cache: it fetches
// narinfo metadata, verifies the cache's signature over it, and opens NAR
// download streams over a pooled HTTP/2 transport. Narinfo fetches are
// retried with bounded exponential backoff; NarStream makes a single
// attempt and does not retry.
package cache

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/cuemby/nixless-agent/pkg/errkind"
	"github.com/cuemby/nixless-agent/pkg/log"
)

// RetryConfig bounds the exponential backoff applied to transient narinfo
// fetch failures. NotFound responses are never retried.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the backoff the pack's cache/proxy tools use:
// a handful of attempts, capped doubling delay.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Client fetches narinfo and NAR streams from a single binary cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keyName    string
	publicKey  ed25519.PublicKey
	retry      RetryConfig
}

// NewClient builds a Client against baseURL, verifying narinfo signatures
// against the "name:base64" public key spec. The transport is configured
// for HTTP/2 with a single pooled connection per host, matching the
// single-connection-pool requirement for the cache origin.
func NewClient(baseURL, publicKeySpec string, retry RetryConfig) (*Client, error) {
	name, enc, ok := strings.Cut(publicKeySpec, ":")
	if !ok {
		return nil, fmt.Errorf("cache public key spec %q missing name prefix", publicKeySpec)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("cache public key spec %q: %w", publicKeySpec, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cache public key spec %q: want %d bytes, got %d", publicKeySpec, ed25519.PublicKeySize, len(raw))
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   0, // per-request timeouts are carried via ctx
		},
		keyName:   name,
		publicKey: ed25519.PublicKey(raw),
		retry:     retry,
	}, nil
}

// Narinfo fetches and verifies the narinfo for the package whose hash
// segment is hash (the id's hash prefix, without the name suffix).
func (c *Client) Narinfo(ctx context.Context, hash string) (*Narinfo, error) {
	reqURL := c.baseURL + "/" + hash + ".narinfo"

	body, err := c.getWithRetry(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	info, err := ParseNarinfo(body)
	if err != nil {
		return nil, err
	}

	if err := c.verifyNarinfoSig(info); err != nil {
		return nil, err
	}

	return info, nil
}

func (c *Client) verifyNarinfoSig(info *Narinfo) error {
	fingerprint := []byte(info.Fingerprint())
	for _, sig := range info.Sig {
		name, enc, ok := strings.Cut(sig, ":")
		if !ok || name != c.keyName {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		if ed25519.Verify(c.publicKey, fingerprint, raw) {
			return nil
		}
	}
	return errkind.New(errkind.Unauthorized, fmt.Sprintf("narinfo for %s has no valid signature from %q", info.StorePath, c.keyName))
}

// NarStream opens the compressed NAR body for info. The caller must Close
// the returned reader.
func (c *Client) NarStream(ctx context.Context, info *Narinfo) (io.ReadCloser, error) {
	narURL := info.URL
	if u, err := url.Parse(narURL); err != nil || !u.IsAbs() {
		narURL = c.baseURL + "/" + strings.TrimPrefix(narURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, narURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientNetwork, "nar fetch", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("nar not found: %s", narURL))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errkind.New(errkind.TransientNetwork, fmt.Sprintf("nar fetch %s: status %d", narURL, resp.StatusCode))
	}

	return resp.Body, nil
}

// getWithRetry performs a GET with exponential backoff + jitter on
// transient failures; 404 responses short-circuit as NotFound without
// retrying.
func (c *Client) getWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	delay := c.retry.BaseDelay

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		body, err := c.get(ctx, reqURL)
		if err == nil {
			return body, nil
		}

		if kind, ok := errkind.As(err); ok && kind.Kind != errkind.TransientNetwork {
			return nil, err
		}

		lastErr = err
		if attempt == c.retry.MaxAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		wait := delay + jitter
		log.WithComponent("cache").Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("retrying cache request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}

	return nil, lastErr
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientNetwork, "cache request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("not found: %s", reqURL))
	case resp.StatusCode >= 500:
		return nil, errkind.New(errkind.TransientNetwork, fmt.Sprintf("%s: status %d", reqURL, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, errkind.New(errkind.Malformed, fmt.Sprintf("%s: status %d", reqURL, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientNetwork, "reading response body", err)
	}
	return body, nil
}
