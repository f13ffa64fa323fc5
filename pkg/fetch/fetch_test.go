package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/fetch"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

func TestFetch(t *testing.T) {
	body := strings.Repeat(`{"filler": true}`, 4096)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	var events []types.Progress
	got, err := fetch.Fetch(context.Background(),
		fetch.WithURL(ts.URL),
		fetch.WithProgress(func(p types.Progress) {
			events = append(events, p)
		}),
	)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got != body {
		t.Errorf("unexpected body. expected len: %d, actual len: %d", len(body), len(got))
	}

	if len(events) < 2 {
		t.Fatalf("expected at least start and final progress events, got %d", len(events))
	}
	for i, e := range events {
		if e.Stage != types.StageFetching {
			t.Errorf("unexpected stage at %d: %q", i, e.Stage)
		}
		if i > 0 && e.Progress < events[i-1].Progress {
			t.Errorf("progress must be non-decreasing: %d then %d", events[i-1].Progress, e.Progress)
		}
	}
	if events[0].Progress != 0 {
		t.Errorf("first event must report 0%%, actual: %d", events[0].Progress)
	}
	if last := events[len(events)-1]; last.Progress != 100 || last.Total != 100 {
		t.Errorf("final event must report 100/100, actual: %d/%d", last.Progress, last.Total)
	}
}

func TestFetch_unknownContentLength(t *testing.T) {
	body := `{"groups": {}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Flushing before the body completes forces chunked transfer, so the
		// client sees no Content-Length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	var events []types.Progress
	got, err := fetch.Fetch(context.Background(),
		fetch.WithURL(ts.URL),
		fetch.WithProgress(func(p types.Progress) {
			events = append(events, p)
		}),
	)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got != body {
		t.Errorf("unexpected body: %q", got)
	}

	if len(events) != 2 {
		t.Fatalf("expected a single 0%% -> 100%% transition, got %d events", len(events))
	}
	if events[0].Progress != 0 || events[1].Progress != 100 {
		t.Errorf("unexpected transition: %d -> %d", events[0].Progress, events[1].Progress)
	}
}

func TestFetch_networkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := fetch.Fetch(context.Background(), fetch.WithURL(ts.URL))
	var ne *fetch.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if ne.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected status code: %d", ne.StatusCode)
	}
}

func TestFetch_transportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = w.Write([]byte("short"))
		// Closing the connection before the declared length is delivered
		// breaks the client's body stream mid-read.
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer ts.Close()

	_, err := fetch.Fetch(context.Background(), fetch.WithURL(ts.URL))
	var te *fetch.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}
