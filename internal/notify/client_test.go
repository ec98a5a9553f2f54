package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bpark-system/internal/model"
)

func testUser() *model.User {
	return &model.User{
		ID:    1,
		Name:  "Alice",
		Email: "alice@example.com",
	}
}

func TestReservationConfirmed_Payload(t *testing.T) {
	var got notification
	var header string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/notifications" {
			t.Errorf("request = %s %s, want POST /api/notifications", r.Method, r.URL.Path)
		}
		header = r.Header.Get("X-Request-Id")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	err := c.ReservationConfirmed(context.Background(), testUser(), 42, start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if got.Kind != "reservation_confirmed" {
		t.Fatalf("kind = %q, want reservation_confirmed", got.Kind)
	}
	if got.Email != "alice@example.com" || got.Name != "Alice" {
		t.Fatalf("recipient = %q/%q, want alice@example.com/Alice", got.Email, got.Name)
	}
	if got.Data["code"] != "42" {
		t.Fatalf("data code = %q, want 42", got.Data["code"])
	}
	if got.RequestID == "" || header != got.RequestID {
		t.Fatalf("request id %q must be set and mirrored in X-Request-Id %q", got.RequestID, header)
	}
}

func TestSend_RetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	c.httpClient.RetryWaitMin = time.Millisecond
	c.httpClient.RetryWaitMax = 5 * time.Millisecond

	err := c.ReservationCancelled(context.Background(), testUser(), 7)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestSend_UnconfiguredGatewayIsNoop(t *testing.T) {
	c := NewClient("", zap.NewNop())

	err := c.NormalExit(context.Background(), testUser(), 7, time.Now())
	if err != nil {
		t.Fatalf("unconfigured client must not fail: %v", err)
	}
}

func TestSend_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())

	err := c.LatePickup(context.Background(), testUser(), 7, time.Now())
	if err == nil {
		t.Fatal("expected error for rejected notification")
	}
}
