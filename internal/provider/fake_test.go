package provider_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/felipealfah/leasepool/internal/provider"
	"github.com/felipealfah/leasepool/internal/retry"
)

const testAPIKey = "k3y-0f-t3st"

// fakeProvider serves handler_api requests from per-action reply functions
// and records every query it receives.
type fakeProvider struct {
	t       *testing.T
	mu      sync.Mutex
	replies map[string]func(q url.Values) (int, string)
	calls   []url.Values
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	t.Helper()
	fp := &fakeProvider{t: t, replies: make(map[string]func(url.Values) (int, string))}
	srv := httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(srv.Close)
	return fp, srv
}

func (f *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.calls = append(f.calls, q)
	reply, ok := f.replies[q.Get("action")]
	f.mu.Unlock()

	if !ok {
		_, _ = w.Write([]byte("BAD_ACTION"))
		return
	}
	status, body := reply(q)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// on registers a fixed 200 reply for action.
func (f *fakeProvider) on(action, body string) {
	f.onFunc(action, func(url.Values) (int, string) { return http.StatusOK, body })
}

func (f *fakeProvider) onFunc(action string, fn func(q url.Values) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[action] = fn
}

// callsFor returns the recorded queries for action.
func (f *fakeProvider) callsFor(action string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, q := range f.calls {
		if q.Get("action") == action {
			out = append(out, q)
		}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(srv *httptest.Server, creds provider.CredentialSource, opts ...provider.Option) *provider.Client {
	exec := retry.NewExecutor(3, time.Second, retry.WithSleep(noSleep))
	hc := srv.Client()
	hc.Timeout = 2 * time.Second
	opts = append([]provider.Option{provider.WithPollSleep(noSleep), provider.WithHTTPClient(hc)}, opts...)
	return provider.NewClient(provider.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, creds, exec, opts...)
}
