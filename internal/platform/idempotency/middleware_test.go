package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testClock = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func paymentRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/payments", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func decodeErrorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return testClock }))

	var handled bool
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handled = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, paymentRequest("", `{"method":"card"}`))

	if handled {
		t.Fatal("handler must not run without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return testClock }))

	var calls int
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"payment_id":"pay_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, paymentRequest("retry-key", `{"method":"card"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("unexpected first response status %d", first.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, paymentRequest("retry-key", `{"method":"card"}`))

	if calls != 1 {
		t.Fatalf("retry must be served from the store, handler ran %d times", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay marker header")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected replayed content-type, got %q", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return testClock }))
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, paymentRequest("same-key", `{"method":"card"}`))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, paymentRequest("same-key", `{"method":"bank"}`))

	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for fingerprint mismatch, got %d", second.Code)
	}
	if code := decodeErrorCode(t, second.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReportsInFlightReservation(t *testing.T) {
	store := NewMemoryStore()
	middleware := Middleware(store, WithClock(func() time.Time { return testClock }))
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held by another request")
	}))

	req := paymentRequest("held-key", `{"method":"card"}`)
	body, err := snapshotBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	requester := requesterID(req.Context())
	fingerprint := fingerprintRequest(req, body, requester)
	if _, err := store.Reserve(req.Context(), keyForRequester("held-key", requester), fingerprint, testClock, time.Hour); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight key, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReleasesKeyWhenSaveFails(t *testing.T) {
	store := &failingSaveStore{}
	middleware := Middleware(store, WithClock(func() time.Time { return testClock }))
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, paymentRequest("doomed-key", `{"method":"card"}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("unexpected error code %q", code)
	}
	if !store.released {
		t.Fatalf("expected reservation to be released so the client can retry")
	}
}

func TestMemoryStoreReclaimsExpiredKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "stale-key", "fp-1", testClock, time.Minute); err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}

	later := testClock.Add(2 * time.Minute)
	res, err := store.Reserve(ctx, "stale-key", "fp-1", later, time.Minute)
	if err != nil {
		t.Fatalf("failed to re-reserve expired key: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be reclaimed, got state %d", res.State)
	}

	if _, err := store.Reserve(ctx, "old-key", "fp-2", testClock, time.Minute); err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}
	removed, err := store.CleanupExpired(ctx, later.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two expired records removed, got %d", removed)
	}
}

type failingSaveStore struct {
	released bool
}

func (s *failingSaveStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *failingSaveStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	return errors.New("save failed")
}

func (s *failingSaveStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *failingSaveStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
