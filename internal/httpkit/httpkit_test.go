package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{name: "default", want: 2 * time.Minute},
		{name: "custom", opts: []ClientOption{WithTimeout(5 * time.Second)}, want: 5 * time.Second},
		{name: "streaming", opts: []ClientOption{WithTimeout(0)}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		want   string
	}{
		{name: "default", want: "Triage/"},
		{name: "override", opts: []ClientOption{WithUserAgent("TicketBot/1.0")}, want: "TicketBot/1.0"},
		{name: "caller header wins", header: "Custom/2.0", want: "Custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

// flakyRoundTripper fails with a dial error a fixed number of times.
type flakyRoundTripper struct {
	failures int
	calls    int
}

func (f *flakyRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", failures: 0, count: 2, wantCalls: 1},
		{name: "recovers", failures: 1, count: 2, wantCalls: 2},
		{name: "exhausts", failures: 10, count: 2, wantCalls: 3, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &flakyRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://llm.invalid/v1/models", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &flakyRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://llm.invalid", nil)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetryTransport_BodyWithoutGetBodyNotRetried(t *testing.T) {
	ft := &flakyRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://llm.invalid", io.NopCloser(strings.NewReader("{}")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected the dial error to surface")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.EHOSTUNREACH, true},
		{syscall.ENETUNREACH, true},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{syscall.ECONNRESET, false},
		{fmt.Errorf("wrapped: %w", syscall.EHOSTUNREACH), true},
		{errors.New("tls: bad certificate"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
