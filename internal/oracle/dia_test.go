package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPrice_BeforeFirstFetch(t *testing.T) {
	c := NewBTCClient(discardLogger())
	if _, err := c.Price(); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestFetch_ParsesDIAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Symbol":"BTC","Price":97123.45,"Time":"2026-08-30T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewBTCClientWithConfig(discardLogger(), srv.URL, time.Minute)
	if err := c.fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	price, err := c.Price()
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(97123.45)) {
		t.Errorf("price = %s, want 97123.45", price)
	}
}

func TestFetch_Errors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
		{"zero price", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"Symbol":"BTC","Price":0}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewBTCClientWithConfig(discardLogger(), srv.URL, time.Minute)
			if err := c.fetch(context.Background()); err == nil {
				t.Error("expected error")
			}
			if _, err := c.Price(); !errors.Is(err, ErrNoPrice) {
				t.Errorf("failed fetch must not populate cache, got %v", err)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Symbol":"BTC","Price":50000}`))
	}))
	defer srv.Close()

	c := NewBTCClientWithConfig(discardLogger(), srv.URL, time.Hour)
	c.Start(context.Background())
	defer c.Stop()

	// The initial synchronous fetch populates the cache.
	price, err := c.Price()
	if err != nil {
		t.Fatalf("price after start: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("price = %s, want 50000", price)
	}
}
