// Package netop provides the async operation channel: a single-flight
// wrapper around one transport-level HTTP exchange.
//
// A caller starts at most one operation, polls for completion from the
// main loop, and receives exactly one completion callback. There is no
// queueing: starting while busy is a caller error.
package netop

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
	"github.com/gridpulse/gridpulse/internal/logging"
)

// Request describes one HTTP exchange.
type Request struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

// Result reports a completed exchange. Err is the transport-level
// failure, if any; StatusCode is zero when the transport failed.
type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

// OK reports whether the exchange succeeded at the transport and HTTP
// level.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Doer abstracts *http.Client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxReplyBytes caps how much of a reply body is retained. Feed and
// manager replies are small documents; anything larger is broken.
const maxReplyBytes = 4 << 20

// Channel owns at most one outstanding operation at a time.
type Channel struct {
	client Doer
	log    *logging.Logger

	inflight   chan Result
	onComplete func(Result)
}

// NewChannel creates a channel over the given transport. A nil client
// gets a default with a 30 second timeout.
func NewChannel(client Doer) *Channel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Channel{
		client: client,
		log:    logging.WithComponent("netop"),
	}
}

// Busy reports whether an operation is outstanding.
func (c *Channel) Busy() bool {
	return c.inflight != nil
}

// Start begins an exchange. It fails with core.ErrBusy if one is
// already outstanding, and synchronously with a request-build error.
// onComplete is invoked exactly once, from a later Poll call.
func (c *Channel) Start(req Request, onComplete func(Result)) error {
	if c.inflight != nil {
		return core.ErrBusy
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequest(req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	done := make(chan Result, 1)
	c.inflight = done
	c.onComplete = onComplete

	go func() {
		resp, err := c.client.Do(httpReq)
		if err != nil {
			done <- Result{Err: err}
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			done <- Result{StatusCode: resp.StatusCode, Err: err}
			return
		}
		done <- Result{StatusCode: resp.StatusCode, Body: data}
	}()

	return nil
}

// Poll checks the outstanding operation. When it has completed, the
// channel returns to idle, the completion callback runs synchronously,
// and Poll reports true. Callbacks must not block.
func (c *Channel) Poll() bool {
	if c.inflight == nil {
		return false
	}
	select {
	case res := <-c.inflight:
		cb := c.onComplete
		c.inflight = nil
		c.onComplete = nil
		if res.Err != nil {
			c.log.Debug("operation failed: %v", res.Err)
		}
		if cb != nil {
			cb(res)
		}
		return true
	default:
		return false
	}
}
