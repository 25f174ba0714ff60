package photodm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// apiError is an error response from the Graph API.
type apiError struct {
	Status  int
	Code    int
	Subcode int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("graph API %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Graph error codes the adapter distinguishes.
const (
	codeInvalidParameter = 100
	codeAppRateLimit     = 4
	codeUserRateLimit    = 17
	codeAppThrottled     = 32
	codeAccessToken      = 190
	codeCallRateLimit    = 613
)

func (e *apiError) tokenInvalid() bool {
	return e.Code == codeAccessToken || e.Status == http.StatusUnauthorized
}

func (e *apiError) rateLimited() bool {
	switch e.Code {
	case codeAppRateLimit, codeUserRateLimit, codeAppThrottled, codeCallRateLimit:
		return true
	}
	return e.Status == http.StatusTooManyRequests
}

func (e *apiError) notFound() bool {
	return e.Code == codeInvalidParameter || e.Status == http.StatusNotFound
}

type graphErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// graphClient is a small JSON client for the Graph API. GETs are retried
// with backoff on transport errors and 5xx; every request waits on the
// limiter first.
type graphClient struct {
	base       string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

func (c *graphClient) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *graphClient) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *graphClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	endpoint := c.base + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// post is not retried: a lost response must not send a message twice.
func (c *graphClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/"+strings.TrimPrefix(path, "/"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return decode(resp, out)
}

func (c *graphClient) authorize(req *http.Request) {
	if token := c.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// doWithRetry executes a request with exponential backoff for transient
// failures (network errors and 5xx). Rate-limit answers are returned as is so
// the caller can report them.
func (c *graphClient) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * c.retryBase
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			c.logger.Warn("retrying graph request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("graph request failed", "err", err)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = readAPIError(resp)
			c.logger.Warn("graph server error", "status", resp.StatusCode)
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("graph request failed after %d retries: %w", c.maxRetries, lastErr)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) *apiError {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	e := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var body graphErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		e.Code = body.Error.Code
		e.Subcode = body.Error.ErrorSubcode
		e.Type = body.Error.Type
		e.Message = body.Error.Message
	}
	return e
}

func asAPIError(err error) (*apiError, bool) {
	var e *apiError
	ok := errors.As(err, &e)
	return e, ok
}
