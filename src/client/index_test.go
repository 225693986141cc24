package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunBacktestAcceptsBothJobIDSpellings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/backtest/run" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Fatalf("requests must carry X-Request-ID")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobId":"bt-7","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	resp, err := c.RunBacktest(context.Background(), RunRequest{Strategy: "sma"})
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if resp.JobID != "bt-7" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAPIErrorFromDetailBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"job not found","request_id":"abc-123"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	_, err := c.JobStatus(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error for 404")
	}
	var aerr *APIError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if aerr.StatusCode != 404 || aerr.Message != "job not found" || aerr.RequestID != "abc-123" {
		t.Fatalf("unexpected APIError: %+v", aerr)
	}
}

func TestAPIErrorFromPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	_, err := c.Equity(context.Background())
	var aerr *APIError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if aerr.Message != "upstream exploded" {
		t.Fatalf("plain-text body should become the message, got %q", aerr.Message)
	}
}

func TestJobResultToleratesMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"broken":`))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	payload, err := c.JobResult(context.Background(), "bt-1")
	if err != nil {
		t.Fatalf("malformed result body must not error: %v", err)
	}
	if payload == nil || len(payload) != 0 {
		t.Fatalf("malformed body should yield empty payload, got %v", payload)
	}
}

func TestAssistantAutoSessionID(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AssistantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		gotSession = req.SessionID
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"hi","actions":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 2*time.Second)
	out, err := c.Assistant(context.Background(), AssistantRequest{
		Messages: []ChatMessage{{Role: "user", Content: "how did the run go?"}},
	})
	if err != nil {
		t.Fatalf("Assistant: %v", err)
	}
	if out.Answer != "hi" {
		t.Fatalf("unexpected answer %q", out.Answer)
	}
	if gotSession == "" {
		t.Fatalf("empty session id should be auto-filled")
	}
}

func TestNetworkErrorIsNotAPIError(t *testing.T) {
	// point at a closed server so the dial fails
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, 500*time.Millisecond)
	_, err := c.Health(context.Background())
	if err == nil {
		t.Fatalf("expected dial error")
	}
	var aerr *APIError
	if errors.As(err, &aerr) {
		t.Fatalf("transport failures must not be APIError: %v", err)
	}
}
