package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestClient_Get_Retries500ThenSucceeds(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(5*time.Second, 4)
	resp, err := c.Get(context.Background(), server.URL+"/users", nil, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2", callCount)
	}
}

func TestClient_Get_RetryAfterSeconds(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(5*time.Second, 4)
	start := time.Now()
	resp, err := c.Get(context.Background(), server.URL, nil, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if elapsed < time.Second {
		t.Fatalf("elapsed = %v, want >= 1s", elapsed)
	}
}

func TestClient_Get_NonRetryableClientError(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := New(5*time.Second, 4)
	resp, err := c.Get(context.Background(), server.URL, nil, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if callCount != 1 {
		t.Fatalf("callCount = %d, want 1 (403 must not retry)", callCount)
	}
}

func TestClient_Get_DecoratorInvokedPerAttempt(t *testing.T) {
	callCount := 0
	var seenAuth []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		if callCount == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	attempt := 0
	decorate := func(req *http.Request) error {
		attempt++
		req.Header.Set("Authorization", "Bearer token-"+string(rune('0'+attempt)))
		return nil
	}

	c := New(5*time.Second, 4)
	if _, err := c.Get(context.Background(), server.URL, nil, decorate); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(seenAuth) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(seenAuth))
	}
	if seenAuth[0] == seenAuth[1] {
		t.Fatalf("expected a fresh decorator value per attempt, got identical headers %q", seenAuth[0])
	}
}

func TestClient_Get_QueryParams(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(5*time.Second, 4)
	_, err := c.Get(context.Background(), server.URL, url.Values{"pageToken": {"abc"}}, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotQuery.Get("pageToken") != "abc" {
		t.Fatalf("pageToken = %q, want abc", gotQuery.Get("pageToken"))
	}
}

func TestParseLinkNext(t *testing.T) {
	header := `<https://example.okta.com/api/v1/users?after=abc>; rel="next", <https://example.okta.com/api/v1/users?after=zzz>; rel="self"`
	got := ParseLinkNext(header)
	want := "https://example.okta.com/api/v1/users?after=abc"
	if got != want {
		t.Fatalf("ParseLinkNext = %q, want %q", got, want)
	}
}

func TestParseLinkNext_NoNext(t *testing.T) {
	header := `<https://example.okta.com/api/v1/users?after=zzz>; rel="self"`
	if got := ParseLinkNext(header); got != "" {
		t.Fatalf("ParseLinkNext = %q, want empty", got)
	}
}

func TestStream_YieldsOnePageAtATime(t *testing.T) {
	pages := [][]byte{[]byte("page1"), []byte("page2"), []byte("page3")}
	fetched := 0

	fetch := func(ctx context.Context, state PageState) (*Response, error) {
		fetched++
		idx := state.Query.Get("idx")
		i := 0
		if idx != "" {
			i = int(idx[0] - '0')
		}
		return &Response{StatusCode: http.StatusOK, Body: pages[i]}, nil
	}
	cursor := func(resp *Response, state PageState) (PageState, bool, error) {
		i := 0
		if idx := state.Query.Get("idx"); idx != "" {
			i = int(idx[0] - '0')
		}
		if i+1 >= len(pages) {
			return PageState{}, false, nil
		}
		return PageState{Query: url.Values{"idx": {string(rune('0' + i + 1))}}}, true, nil
	}

	var seen [][]byte
	for resp, err := range Stream(context.Background(), PageState{Query: url.Values{"idx": {"0"}}}, fetch, cursor) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		seen = append(seen, resp.Body)
		if fetched != len(seen) {
			t.Fatalf("expected lazy fetch: fetched=%d seen=%d", fetched, len(seen))
		}
	}

	if len(seen) != 3 {
		t.Fatalf("got %d pages, want 3", len(seen))
	}
}

func TestStream_StopsEarlyOnBreak(t *testing.T) {
	fetched := 0
	fetch := func(ctx context.Context, state PageState) (*Response, error) {
		fetched++
		return &Response{StatusCode: http.StatusOK}, nil
	}
	cursor := func(resp *Response, state PageState) (PageState, bool, error) {
		return PageState{}, true, nil // infinite pages
	}

	count := 0
	for _, err := range Stream(context.Background(), PageState{}, fetch, cursor) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		count++
		if count == 2 {
			break
		}
	}
	if fetched != 2 {
		t.Fatalf("fetched = %d, want 2 (must stop fetching once consumer breaks)", fetched)
	}
}
