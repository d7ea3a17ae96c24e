package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/agent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := agent.Config{
		BaseURL:       getenv("TESTBED_ORCHESTRATOR_URL", "http://127.0.0.1:8080"),
		ResourceID:    os.Getenv("TESTBED_RESOURCE_ID"),
		Kind:          getenv("TESTBED_RESOURCE_KIND", "build-server"),
		Architectures: splitList(os.Getenv("TESTBED_ARCHITECTURES")),
		Toolchains:    splitList(os.Getenv("TESTBED_TOOLCHAINS")),
		Slots:         getenvInt("TESTBED_SLOTS", 1),
		Address:       os.Getenv("TESTBED_ADDRESS"),
		Interval:      time.Duration(getenvInt("TESTBED_HEARTBEAT_SECONDS", 30)) * time.Second,
		StatPath:      getenv("TESTBED_STAT_PATH", "/"),
	}
	if cfg.ResourceID == "" {
		host, _ := os.Hostname()
		cfg.ResourceID = host
	}
	if len(cfg.Architectures) == 0 {
		log.Fatalf("TESTBED_ARCHITECTURES is required")
	}

	client := agent.New(cfg)
	if err := client.Register(ctx, cfg); err != nil {
		log.Fatalf("register resource: %v", err)
	}
	log.Printf("resource %s registered, heartbeating every %v", cfg.ResourceID, cfg.Interval)
	client.Run(ctx)
	log.Printf("agent stopping")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
