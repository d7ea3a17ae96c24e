package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/pkg/api"
)

func TestRegisterAdoptsServerInterval(t *testing.T) {
	var got api.RegisterResourceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/resources/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.RegisterResourceResponse{Accepted: true, HeartbeatIntervalSeconds: 7})
	}))
	defer srv.Close()

	cfg := Config{
		BaseURL:       srv.URL,
		ResourceID:    "srv-1",
		Kind:          "build-server",
		Architectures: []string{"x86_64"},
		Slots:         4,
	}
	c := New(cfg)
	if err := c.Register(context.Background(), cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.ResourceID != "srv-1" || got.Slots != 4 {
		t.Fatalf("request = %+v", got)
	}
	if c.interval != 7*time.Second {
		t.Fatalf("interval = %v, want 7s", c.interval)
	}
}

func TestRegisterConflictIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL, ResourceID: "srv-1", Architectures: []string{"x86_64"}, Slots: 1}
	c := New(cfg)
	if err := c.Register(context.Background(), cfg); err != nil {
		t.Fatalf("register after restart: %v", err)
	}
}

func TestHeartbeatReportsUtilization(t *testing.T) {
	var got api.HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/resources/srv-1/heartbeat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ResourceID: "srv-1"})
	if err := c.send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.TimestampUnix == 0 {
		t.Fatalf("timestamp not set")
	}
	for name, v := range map[string]float64{
		"cpu":     got.CPUUtil,
		"memory":  got.MemoryUtil,
		"storage": got.StorageUtil,
	} {
		if v < 0 || v > 100 {
			t.Fatalf("%s utilization out of range: %v", name, v)
		}
	}
}
