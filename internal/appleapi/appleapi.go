// Package appleapi is the rate-limited HTTP client for the upstream Apple
// Music API: metadata fetches and search pass-through. The limiter is
// adapted from the teacher's internal/core/bandwidth.go BandwidthManager
// (a token-bucket throttle originally governing chunked download transfer)
// generalized here to golang.org/x/time/rate, the idiomatic replacement for
// a hand-rolled bucket once request rate rather than byte rate is being
// governed.
package appleapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"amdl-orchestrator/internal/model"
)

// ErrInvalidLanguageTag is the fatal 400 condition named in spec.md §4.4.
var ErrInvalidLanguageTag = fmt.Errorf("appleapi: invalid language tag")

// ErrNotFound is the fatal, non-retried 404 condition.
var ErrNotFound = fmt.Errorf("appleapi: resource not found")

// ErrUnauthorized signals a 401/403 upstream response; callers must
// invalidate the current token before retrying.
var ErrUnauthorized = fmt.Errorf("appleapi: unauthorized")

// Retryable wraps transient conditions (429, 5xx, timeout, network error)
// the caller should retry up to its own max_retries budget.
type Retryable struct{ Err error }

func (r *Retryable) Error() string { return r.Err.Error() }
func (r *Retryable) Unwrap() error { return r.Err }

// Client is the rate-limited upstream HTTP client.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	base    string
}

// New returns a Client targeting base at no more than requestsPerSecond
// sustained, bursting up to burst.
func New(base string, requestsPerSecond float64, burst int) *Client {
	return &Client{
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		base:    base,
	}
}

// FetchMetadata performs the type-specific upstream GET described in
// spec.md §4.4 and returns the raw JSON body for the resolver to extract a
// filtered view from.
func (c *Client) FetchMetadata(ctx context.Context, token string, info model.LinkInfo, include, extend string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resourcePath := resourcePathFor(info.Type)
	u := fmt.Sprintf("%s/v1/catalog/%s/%s/%s", c.base, info.Storefront, resourcePath, info.ID)
	q := url.Values{}
	if include != "" {
		q.Set("include", include)
	}
	if extend != "" {
		q.Set("extend", extend)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.doAndClassify(req)
}

// Search performs a pass-through search request against storefront with the
// given raw query parameters.
func (c *Client) Search(ctx context.Context, token, storefront string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1/catalog/%s/search?%s", c.base, storefront, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.doAndClassify(req)
}

func (c *Client) doAndClassify(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Retryable{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Retryable{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		if isInvalidLanguageTag(body) {
			return nil, ErrInvalidLanguageTag
		}
		return nil, fmt.Errorf("appleapi: bad request: %s", body)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Retryable{Err: fmt.Errorf("appleapi: upstream status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("appleapi: unexpected status %d", resp.StatusCode)
	}
}

func isInvalidLanguageTag(body []byte) bool {
	var parsed struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	for _, e := range parsed.Errors {
		if e.Code == "4000005" {
			return true
		}
	}
	return false
}

func resourcePathFor(t model.LinkType) string {
	switch t {
	case model.LinkAlbum:
		return "albums"
	case model.LinkPlaylist:
		return "playlists"
	case model.LinkSong:
		return "songs"
	case model.LinkMusicVideo:
		return "music-videos"
	default:
		return "albums"
	}
}
