package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func readyz(t *testing.T, h *Handler) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestReadyzAllDependenciesPass(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "side_channel", Check: func(context.Context) error { return nil }},
		Checker{Name: "mgmt", Check: func(context.Context) error { return nil }},
	)
	rec, body := readyz(t, h)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body.Status != "ok" {
		t.Fatalf("body status = %q", body.Status)
	}
	for _, name := range []string{"side_channel", "mgmt"} {
		if body.Checks[name].Status != "ok" {
			t.Fatalf("%s = %+v", name, body.Checks[name])
		}
	}
}

func TestReadyzReportsFailedDependency(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "side_channel", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "mgmt", Check: func(context.Context) error { return nil }},
	)
	rec, body := readyz(t, h)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body.Status != "fail" {
		t.Fatalf("body status = %q", body.Status)
	}
	sc := body.Checks["side_channel"]
	if sc.Status != "fail" || sc.Error != "connection refused" {
		t.Fatalf("side_channel = %+v", sc)
	}
	if body.Checks["mgmt"].Status != "ok" {
		t.Fatalf("mgmt = %+v", body.Checks["mgmt"])
	}
}

func TestReadyzWithoutCheckersIsReady(t *testing.T) {
	t.Parallel()

	rec, body := readyz(t, New())
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("status = %d body = %+v", rec.Code, body)
	}
}

// Probes run concurrently: each checker below only passes once the other one
// has started, so a sequential run would time out.
func TestReadyzProbesConcurrently(t *testing.T) {
	t.Parallel()

	scStarted := make(chan struct{})
	mgmtStarted := make(chan struct{})
	await := func(self chan<- struct{}, peer <-chan struct{}) func(context.Context) error {
		return func(context.Context) error {
			close(self)
			select {
			case <-peer:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("peer probe never started")
			}
		}
	}
	h := New(
		Checker{Name: "side_channel", Check: await(scStarted, mgmtStarted)},
		Checker{Name: "mgmt", Check: await(mgmtStarted, scStarted)},
	)

	rec, body := readyz(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, probes did not run concurrently: %+v", rec.Code, body)
	}
}

func TestReadyzHonorsRequestCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "hung", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
