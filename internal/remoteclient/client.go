// Package remoteclient implements the typed HTTP client bound to one
// Instance's chat-automation endpoint. Grounded on the teacher's
// BaileysBridgeClient shape (small struct, header-based auth, typed
// request/response structs, context-aware calls) in
// plugin/chat_apps/channels/whatsapp/bridge.go, generalized to the
// wechat-automation endpoint contract and given connection-health
// tracking the bridge client lacked.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/hrygo/wxrelay/internal/errs"
)

const (
	defaultTimeout       = 30 * time.Second
	consecutiveFailLimit = 3
	backoffFloor         = 2 * time.Second
	backoffCeiling       = 60 * time.Second
)

// Stats tracks a client's recent outcomes, read by the monitor.
type Stats struct {
	mu            sync.Mutex
	lastLatency   time.Duration
	lastErr       error
	totalCalls    int64
	failedCalls   int64
	consecutiveBad int
	connected     atomic.Bool
}

func (s *Stats) record(d time.Duration, err error) (disconnectedNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLatency = d
	s.lastErr = err
	s.totalCalls++
	if err != nil {
		s.failedCalls++
		s.consecutiveBad++
	} else {
		s.consecutiveBad = 0
	}
	if s.consecutiveBad >= consecutiveFailLimit && s.connected.Load() {
		s.connected.Store(false)
		return true
	}
	if err == nil {
		s.connected.Store(true)
	}
	return false
}

// Snapshot is a point-in-time read of a Client's health.
type Snapshot struct {
	Connected    bool
	LastLatency  time.Duration
	LastError    error
	TotalCalls   int64
	FailedCalls  int64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Connected:   s.connected.Load(),
		LastLatency: s.lastLatency,
		LastError:   s.lastErr,
		TotalCalls:  s.totalCalls,
		FailedCalls: s.failedCalls,
	}
}

// Client is one Instance's bound remote endpoint access object.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	Stats      *Stats
}

// New builds a client over an http.Transport with HTTP/2 configured
// explicitly, matching automation facades that front an HTTP/2 reverse
// proxy. requestsPerSecond bounds outbound pacing independent of the
// supervisor's poll ticker.
func New(baseURL, apiKey string, requestsPerSecond float64) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errs.New(errs.KindInternal, err)
	}

	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}

	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		Stats:   &Stats{},
	}
	return c, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do executes one request, enforcing pacing, auth header, and stats
// bookkeeping. resp must be a pointer, or nil to discard the body; a
// non-zero envelope code is a ProtocolError either way.
func (c *Client) do(ctx context.Context, method, path string, body any, resp any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(errs.KindTimeout, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.KindInternal, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(errs.KindInternal, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	latency := time.Since(start)

	callErr := c.classify(httpResp, err)
	if disconnected := c.Stats.record(latency, callErr); disconnected {
		// Caller (supervisor) observes Stats.Snapshot().Connected going
		// false and pauses polling; nothing further to do here.
		_ = disconnected
	}
	if callErr != nil {
		return callErr
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errs.New(errs.KindNetwork, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp == nil {
			return nil
		}
		// Some endpoints (status, main-unread) return a bare array/object,
		// not the {code,data} envelope; fall back to direct unmarshal.
		if err := json.Unmarshal(raw, resp); err != nil {
			return errs.New(errs.KindProtocol, err)
		}
		return nil
	}
	if env.Code != 0 {
		return errs.Newf(errs.KindProtocol, "remote call %s failed: code=%d message=%s", path, env.Code, env.Message)
	}
	if resp != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, resp); err != nil {
			return errs.New(errs.KindProtocol, err)
		}
	}
	return nil
}

func (c *Client) classify(resp *http.Response, err error) error {
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return errs.New(errs.KindTimeout, err)
		}
		return errs.New(errs.KindNetwork, err)
	}
	if resp == nil {
		return errs.Newf(errs.KindNetwork, "nil response")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.Permanent(fmt.Errorf("remote auth failed: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return errs.New(errs.KindNetwork, fmt.Errorf("remote server error: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.New(errs.KindProtocol, fmt.Errorf("remote rejected request: status %d", resp.StatusCode))
	}
	return nil
}
