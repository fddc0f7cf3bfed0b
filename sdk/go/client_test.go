package mafsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientPathsAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/features":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Feature{ID: "f1", Description: body["description"], Status: "pending"})
		case "/v1/agents/backend_agent/pending":
			_ = json.NewEncoder(w).Encode(map[string]any{"role": "backend_agent", "items": []Task{{ID: "f1-001"}}})
		case "/v1/stats":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tasks": map[string]any{"total": 3, "by_status": map[string]int{"pending": 3}},
				"bus":   map[string]any{"backend": "memory"},
			})
		case "/v1/recovery/cleanup":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["retention"] != "24h0m0s" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(CleanupSummary{Features: []string{"old"}, Tasks: 2})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	ctx := context.Background()

	f, err := c.RequestFeature(ctx, "login")
	if err != nil {
		t.Fatalf("request feature: %v", err)
	}
	if f.ID != "f1" || f.Description != "login" {
		t.Fatalf("unexpected feature %+v", f)
	}
	pending, err := c.PendingTasks(ctx, "backend_agent")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %+v", err, pending)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Bus["backend"] != "memory" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	sum, err := c.Cleanup(ctx, 24*time.Hour)
	if err != nil || sum.Tasks != 2 {
		t.Fatalf("cleanup: %v %+v", err, sum)
	}

	_, err = c.Task(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestEventsQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") != "task.failed" || q.Get("since") != since.Format(time.RFC3339Nano) || q.Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(EventsPage{Items: []Event{{ID: "e1", Type: "task.failed", Payload: json.RawMessage(`{"task_id":"t1"}`)}}})
	}))
	defer srv.Close()

	page, err := New(srv.URL).Events(context.Background(), "task.failed", since, 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "e1" {
		t.Fatalf("unexpected page %+v", page)
	}
}
