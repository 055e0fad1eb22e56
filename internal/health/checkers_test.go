package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestPingChecker(t *testing.T) {
	ok := PingChecker("store", fakePinger{})
	if err := ok.Check(context.Background()); err != nil {
		t.Fatalf("healthy pinger failed: %v", err)
	}
	if ok.Name != "store" {
		t.Fatalf("name = %q", ok.Name)
	}

	bad := PingChecker("store", fakePinger{err: errors.New("refused")})
	if err := bad.Check(context.Background()); err == nil {
		t.Fatal("unhealthy pinger must fail")
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	if err := HTTPChecker("mgmt", srv.URL).Check(context.Background()); err != nil {
		t.Fatalf("healthy endpoint failed: %v", err)
	}
	if err := HTTPChecker("mgmt", srv.URL+"/down").Check(context.Background()); err == nil {
		t.Fatal("unhealthy endpoint must fail")
	}
}
