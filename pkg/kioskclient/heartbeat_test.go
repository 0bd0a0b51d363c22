package kioskclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRunnerStopsWhenServerEndsSession(t *testing.T) {
	var mu sync.Mutex
	beats := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kiosk/v1/sessions/sess-1/heartbeat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		mu.Lock()
		beats++
		ended := beats >= 3
		mu.Unlock()

		resp := HeartbeatResult{}
		if ended {
			resp.SessionEnded = true
			resp.StopReason = "time_limit"
		} else {
			remaining := 10
			resp.RemainingMinutes = &remaining
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := runner.Run(ctx, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SessionEnded || result.StopReason != "time_limit" {
		t.Fatalf("expected time_limit end, got %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if beats != 3 {
		t.Fatalf("expected 3 heartbeats, got %d", beats)
	}
}

func TestRunnerStopsOnPermanentRejection(t *testing.T) {
	var mu sync.Mutex
	beats := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		beats++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"type":"daily_limit_exceeded","limit_minutes":60,"used_minutes":60}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := runner.Run(ctx, "manual")
	if result != nil {
		t.Fatalf("expected no result, got %+v", result)
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", apiErr.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if beats != 1 {
		t.Fatalf("expected a single heartbeat against a rejected session, got %d", beats)
	}
}

func TestRunnerRetriesServerFailures(t *testing.T) {
	var mu sync.Mutex
	beats := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		beats++
		n := beats
		mu.Unlock()

		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HeartbeatResult{SessionEnded: true, StopReason: "time_limit"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := runner.Run(ctx, "manual")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SessionEnded {
		t.Fatalf("expected session end after retries, got %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if beats != 3 {
		t.Fatalf("expected 3 heartbeats, got %d", beats)
	}
}

func TestRunnerSendsPosition(t *testing.T) {
	var mu sync.Mutex
	var lastBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		lastBody = body
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HeartbeatResult{SessionEnded: true, StopReason: "time_limit"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", 5*time.Millisecond, func() *int {
		v := 120
		return &v
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := runner.Run(ctx, "manual"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastBody["position_seconds"] != float64(120) {
		t.Fatalf("expected position 120, got %v", lastBody["position_seconds"])
	}
}

func TestRunnerSendsEndBeaconOnCancel(t *testing.T) {
	endCh := make(chan map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kiosk/v1/sessions/sess-1/heartbeat":
			remaining := 10
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(HeartbeatResult{RemainingMinutes: &remaining})
		case "/kiosk/v1/sessions/sess-1/end":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			endCh <- body
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("{}"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := runner.Run(ctx, "swipe_exit")
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	select {
	case body := <-endCh:
		if body["stop_reason"] != "swipe_exit" {
			t.Fatalf("expected stop_reason swipe_exit, got %v", body["stop_reason"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("end beacon never arrived")
	}
}

func TestEndBeaconSentAtMostOnce(t *testing.T) {
	var mu sync.Mutex
	ends := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ends++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	runner := NewRunner(client, "sess-1", time.Second, nil)

	runner.SendEndBeacon("manual")
	runner.SendEndBeacon("manual")
	runner.SendEndBeacon("swipe_exit")

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := ends
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("end beacon never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Give duplicate sends a chance to surface.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ends != 1 {
		t.Fatalf("expected exactly one end beacon, got %d", ends)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"type":"daily_limit_exceeded","limit_minutes":60,"used_minutes":65}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.StartSession(context.Background(), "04:A3:22:F1", "p1", nil)

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", apiErr.StatusCode)
	}
}

func TestClientStartSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/kiosk/v1/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chip_uid"] != "04:A3:22:F1" {
			t.Errorf("unexpected chip_uid %v", body["chip_uid"])
		}

		remaining := 45
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StartSessionResult{
			SessionID:        "sess-9",
			VideoID:          "v1",
			VideoTitle:       "Moon Landing",
			RemainingMinutes: &remaining,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.StartSession(context.Background(), "04:A3:22:F1", "p1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SessionID != "sess-9" || result.VideoTitle != "Moon Landing" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RemainingMinutes == nil || *result.RemainingMinutes != 45 {
		t.Fatalf("expected remaining 45, got %v", result.RemainingMinutes)
	}
}
