package netop

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/internal/core"
)

// pollUntilDone drives Poll the way the main loop would, with a bound.
func pollUntilDone(t *testing.T, c *Channel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Poll() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation did not complete")
}

func TestChannel_StartWhileBusy(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewChannel(srv.Client())
	if err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, nil); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if !c.Busy() {
		t.Error("expected channel busy")
	}

	err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, nil)
	if !errors.Is(err, core.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestChannel_CompletionCallbackRunsOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<reply/>"))
	}))
	defer srv.Close()

	c := NewChannel(srv.Client())
	calls := 0
	var got Result
	err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, func(res Result) {
		calls++
		got = res
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pollUntilDone(t, c)

	// Further polls are no-ops on an idle channel.
	for i := 0; i < 3; i++ {
		if c.Poll() {
			t.Error("idle channel reported completion")
		}
	}

	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
	if !got.OK() {
		t.Errorf("expected OK result, got status=%d err=%v", got.StatusCode, got.Err)
	}
	if string(got.Body) != "<reply/>" {
		t.Errorf("unexpected body %q", got.Body)
	}
	if c.Busy() {
		t.Error("channel should be idle after completion")
	}
}

func TestChannel_TransportFailure(t *testing.T) {
	c := NewChannel(&http.Client{Timeout: 200 * time.Millisecond})

	var got Result
	err := c.Start(Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/nope"}, func(res Result) {
		got = res
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pollUntilDone(t, c)

	if got.Err == nil {
		t.Error("expected transport error")
	}
	if got.OK() {
		t.Error("failed exchange must not be OK")
	}
	if c.Busy() {
		t.Error("channel should return to idle after a failure")
	}
}

func TestChannel_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChannel(srv.Client())
	var got Result
	if err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, func(res Result) { got = res }); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pollUntilDone(t, c)

	if got.Err != nil {
		t.Errorf("status errors are not transport errors: %v", got.Err)
	}
	if got.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got status %d", got.StatusCode)
	}
	if got.OK() {
		t.Error("5xx must not be OK")
	}
}

func TestChannel_BadRequestFailsSynchronously(t *testing.T) {
	c := NewChannel(nil)
	err := c.Start(Request{Method: "bad method", URL: "http://example.org/"}, nil)
	if err == nil {
		t.Fatal("expected synchronous build error")
	}
	if c.Busy() {
		t.Error("failed start must not leave the channel busy")
	}
}

func TestChannel_CanStartAgainFromCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewChannel(srv.Client())
	restarted := false
	err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, func(Result) {
		// The channel is idle by the time the callback runs.
		if err := c.Start(Request{Method: http.MethodGet, URL: srv.URL}, nil); err != nil {
			t.Errorf("restart from callback failed: %v", err)
			return
		}
		restarted = true
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pollUntilDone(t, c)
	if !restarted {
		t.Fatal("callback did not restart")
	}
	pollUntilDone(t, c)
}
