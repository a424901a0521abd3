package mediamtx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mediamtx.yml")

	err := WriteConfig(path, Options{
		RTSPPort:   8554,
		APIAddress: "127.0.0.1:9997",
		LogLevel:   "info",
	})
	if err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	if got["rtspAddress"] != ":8554" {
		t.Errorf("rtspAddress = %v, want :8554", got["rtspAddress"])
	}
	if got["apiAddress"] != "127.0.0.1:9997" {
		t.Errorf("apiAddress = %v, want 127.0.0.1:9997", got["apiAddress"])
	}
	if got["api"] != true {
		t.Errorf("api = %v, want true", got["api"])
	}

	paths, ok := got["paths"].(map[string]any)
	if !ok {
		t.Fatalf("paths section missing: %v", got["paths"])
	}
	if _, ok := paths["all_others"]; !ok {
		t.Error("catch-all publish path missing")
	}
}

func TestWriteConfigReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediamtx.yml")
	if err := os.WriteFile(path, []byte("stale: content\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := WriteConfig(path, Options{RTSPPort: 9554, APIAddress: "127.0.0.1:9997", LogLevel: "info"}); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	var got map[string]any
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if _, stale := got["stale"]; stale {
		t.Error("stale content survived rewrite")
	}
	if got["rtspAddress"] != ":9554" {
		t.Errorf("rtspAddress = %v, want :9554", got["rtspAddress"])
	}
}

// testClient points a fast-polling client at a test server.
func testClient(url string, attempts int, alive func() bool) *Client {
	return &Client{
		BaseURL:    url,
		HTTP:       &http.Client{Timeout: time.Second},
		Attempts:   attempts,
		Interval:   time.Millisecond,
		AliveCheck: alive,
	}
}

func TestWaitReadyEventually(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 10, func() bool { return true })
	if err := c.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("server polled %d times, want at least 3", calls.Load())
	}
}

func TestWaitReadyAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 3, func() bool { return true })
	err := c.WaitReady(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitReady() error = %v, want ErrNotReady", err)
	}
}

func TestWaitReadyServerDied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 100, func() bool { return false })
	err := c.WaitReady(context.Background())
	if !errors.Is(err, ErrServerExited) {
		t.Fatalf("WaitReady() error = %v, want ErrServerExited", err)
	}
}

func TestWaitReadyCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(srv.URL, 100, func() bool { return true })
	if err := c.WaitReady(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitReady() error = %v, want context.Canceled", err)
	}
}

func TestReadySingleProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 1, nil)
	if !c.Ready(context.Background()) {
		t.Error("Ready() = false against answering server")
	}

	srv.Close()
	if c.Ready(context.Background()) {
		t.Error("Ready() = true against closed server")
	}
}
