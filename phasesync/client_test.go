package phasesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
)

func newTestClient(t *testing.T, srv *httptest.Server) *SourceClient {
	t.Helper()
	c, err := NewSourceClient(&config.PhaseSyncSettings{
		SourceAPIBaseURL:    srv.URL,
		SourceAPIToken:      "tok",
		SourceBaseId:        "appBase",
		SourceRatePerSecond: 50,
		SourcePageSize:      2,
		FetchMaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.retryBase = time.Millisecond
	return c
}

func TestFetchViewFollowsOffsets(t *testing.T) {
	pages := map[string]listResponse{
		"":   {Records: []ExternalRecord{{Id: "r1"}, {Id: "r2"}}, Offset: "o1"},
		"o1": {Records: []ExternalRecord{{Id: "r3"}}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v0/appBase/Properties" || r.URL.Query().Get("view") != "viwA" || r.URL.Query().Get("pageSize") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(pages[r.URL.Query().Get("offset")])
	}))
	defer srv.Close()

	recs, err := newTestClient(t, srv).FetchView(context.Background(), "Properties", "viwA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 3 || recs[2].Id != "r3" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestFetchViewRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(listResponse{Records: []ExternalRecord{{Id: "r1"}}})
	}))
	defer srv.Close()

	recs, err := newTestClient(t, srv).FetchView(context.Background(), "Properties", "viwA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 || calls.Load() != 3 {
		t.Fatalf("expected 1 record after 3 calls, got %d/%d", len(recs), calls.Load())
	}
}

func TestFetchViewFailsWholeOnPageError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("offset") == "" {
			_ = json.NewEncoder(w).Encode(listResponse{Records: []ExternalRecord{{Id: "r1"}}, Offset: "o1"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	recs, err := newTestClient(t, srv).FetchView(context.Background(), "Properties", "viwA")
	if !errors.Is(err, ErrViewFetch) || recs != nil {
		t.Fatalf("expected ErrViewFetch and no records, got %v/%v", err, recs)
	}
	if calls.Load() != 2 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestGetRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/appBase/Properties/recX" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ExternalRecord{Id: "recX", Fields: map[string]any{"Property ID": "P-1"}})
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv).GetRecord(context.Background(), "Properties", "recX")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Fields["Property ID"] != "P-1" {
		t.Fatalf("unexpected record %+v", rec)
	}

	_, err = newTestClient(t, srv).GetRecord(context.Background(), "Properties", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}
